// Copyright 2024 The Roundsman Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package signature produces and verifies detached RSA-SHA256 signatures
// over check artifacts. Signatures cover the raw, unmodified artifact
// bytes; there is no embedded signature header. The legacy
// "--- SIGNATURE START ---" framing some older revisions produced is
// unsupported here and is never emitted.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// ErrKeyMaterialUnreadable is returned when a PEM certificate or private
// key cannot be loaded or parsed.
var ErrKeyMaterialUnreadable = errors.New("signature: key material unreadable")

// ErrSignatureInvalid labels the logged message when a signature does not
// match. Verify reports a mismatch as (false, nil) and never returns this
// error.
var ErrSignatureInvalid = errors.New("signature: signature invalid")

// Sign produces a hex-encoded RSA-SHA256 signature over data using the PEM
// private key at keyPath.
func Sign(data []byte, keyPath string) (string, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrKeyMaterialUnreadable, keyPath, err)
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parsing %s: %v", ErrKeyMaterialUnreadable, keyPath, err)
	}

	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signature: signing failed: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex-encoded RSA-SHA256 signature over data against the
// PEM certificate at certPath. It never panics and never returns a bare
// crypto error: a mismatched signature yields (false, nil), and unreadable
// or malformed key material yields (false, ErrKeyMaterialUnreadable). Both
// outcomes are logged.
func Verify(data []byte, sigHex string, certPath string) (bool, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		klog.Errorf("signature: reading certificate %s: %v", certPath, err)
		return false, fmt.Errorf("%w: reading %s: %v", ErrKeyMaterialUnreadable, certPath, err)
	}
	pub, err := parsePublicKey(raw)
	if err != nil {
		klog.Errorf("signature: parsing certificate %s: %v", certPath, err)
		return false, fmt.Errorf("%w: parsing %s: %v", ErrKeyMaterialUnreadable, certPath, err)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		klog.Warningf("%v: signature is not valid hex: %v", ErrSignatureInvalid, err)
		return false, nil
	}

	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		klog.Warningf("%v: %v", ErrSignatureInvalid, err)
		return false, nil
	}
	return true, nil
}

// SignFile signs the bytes of path and writes the hex signature to
// path+".sig".
func SignFile(path, keyPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("signature: reading artifact %s: %w", path, err)
	}
	sig, err := Sign(data, keyPath)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".sig", []byte(sig), 0o600)
}

// VerifyFile reads path and its sibling path+".sig" and verifies the
// detached signature against certPath. A missing or unreadable artifact
// or signature file is treated as verification failure, not an error.
func VerifyFile(path, certPath string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		klog.V(1).Infof("signature: artifact %s unreadable: %v", path, err)
		return false, nil
	}
	sigRaw, err := os.ReadFile(path + ".sig")
	if err != nil {
		klog.V(1).Infof("signature: signature for %s unreadable: %v", path, err)
		return false, nil
	}
	return Verify(data, string(sigRaw), certPath)
}

func parsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("PEM block does not contain an RSA private key")
	}
	return rsaKey, nil
}

func parsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate does not hold an RSA public key")
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("PEM block does not contain an RSA public key")
	}
	return rsaPub, nil
}
