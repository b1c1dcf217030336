// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security applies the S/MIME layers of AS2 messages: detached
multipart/signed signatures, CMS enveloped-data encryption and CMS
compressed-data.

All operations work on files. An Adapter is bound to the two partners of a
transmission and to a Scope, which owns every temporary file the adapter
produces:

	scope := store.Scope()
	defer scope.Close()

	a := security.NewAdapter(local, remote, scope)
	signed, err := a.Sign(payload, remote.SendCompress, remote.SendEncoding)
	encrypted, err := a.Encrypt(ctx, signed, remote.EncryptionAlgorithm)

# Algorithms

Signing supports sha1, sha256, sha384 and sha512 digests. Signatures
with md5 digests from older partners are verified but never produced.
Content encryption supports des, des3, aes128, aes192, aes256 and rc2
(40, 64 and 128 bit) in CBC mode with RSA PKCS#1 v1.5 key transport. Enveloped-data produced by other agents in
BER form, or with ciphers not listed here, is opened with
github.com/smallstep/pkcs7.

# MIC

Mic and CalculateMicChecksum compute the Message Integrity Check returned
in signed receipts, formatted as "<base64 digest>, <algorithm>".

# Certificate validation

A CertificateValidator can be attached with WithCertificateValidator.
DefaultCertificateValidator checks validity periods and, given roots, the
chain. RevocationAwareCertValidator adds OCSP and CRL checks.
*/
package security
