// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides CMS compressed-data for AS2.

AS2 payloads may be compressed before signing (RFC 5402). The compressed
form is a CMS ContentInfo of type id-ct-compressedData whose content is
zlib compressed:

	ContentInfo {
	    contentType id-ct-compressedData,
	    content CompressedData {
	        version 0,
	        compressionAlgorithm id-alg-zlibCompress,
	        encapContentInfo { id-data, OCTET STRING }
	    }
	}

# Usage

	compressor := compression.NewCompressor()
	der, err := compressor.Compress(entity)

	entity, err := compressor.Decompress(der)

# References

  - RFC 5402 Compressed Data in AS2: https://datatracker.ietf.org/doc/html/rfc5402
  - RFC 3274 CMS Compressed Data: https://datatracker.ietf.org/doc/html/rfc3274
*/
package compression
