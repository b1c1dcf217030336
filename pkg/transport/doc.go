// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport sends AS2 transmissions over HTTP and HTTPS.

A Client posts a body with a prepared header block and returns the final
response together with the headers of every hop:

	client := transport.NewClient(transport.DefaultConfig(), logger)
	resp, err := client.Post(ctx, &transport.Request{
	    URL:         partner.SendURL,
	    Header:      msg.Headers(),
	    Body:        msg.Body(),
	    Credentials: partner.SendCredentials,
	})

Redirects are followed up to Config.MaxRedirects. 307 and 308 repeat the
POST, 303 switches to GET. A final status outside 2xx is returned as a
*StatusError, which matches ErrHTTPStatus.

# Authentication

Basic and Digest (MD5 and SHA-256, qop=auth) authentication are supported.
Digest credentials are sent after the server's 401 challenge.

NTLM credentials (partner.AuthNTLM) run the NTLMv2 handshake through
github.com/Azure/go-ntlmssp when the server answers with an NTLM or
Negotiate challenge; a login of the form DOMAIN\user carries the domain.
partner.AuthGSS uses the same handshake inside a Negotiate challenge.
Kerberos tickets are not obtained.

# TLS

Peer verification is on by default. It can be turned off for every partner
with Config.InsecureSkipVerify or for a single request with
Request.InsecureSkipVerify. For TLS 1.2 the following cipher suites are
offered:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Circuit breaker

With Config.CircuitBreaker enabled, consecutive transport failures and 5xx
answers from one host open a breaker and further sends to that host fail
fast until OpenTimeout has passed.

# References

  - AS2 RFC 4130: https://datatracker.ietf.org/doc/html/rfc4130
  - HTTP Digest RFC 7616: https://datatracker.ietf.org/doc/html/rfc7616
*/
package transport
