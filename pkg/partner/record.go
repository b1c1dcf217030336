package partner

// Record is the raw partner configuration as stored by a Provider. Field names
// follow the partner configuration keys used in files and databases.
type Record struct {
	ID      string `yaml:"id" json:"id" bson:"_id"`
	Name    string `yaml:"name" json:"name,omitempty" bson:"name,omitempty"`
	Email   string `yaml:"email" json:"email,omitempty" bson:"email,omitempty"`
	Comment string `yaml:"comment" json:"comment,omitempty" bson:"comment,omitempty"`
	IsLocal bool   `yaml:"is_local" json:"is_local,omitempty" bson:"is_local,omitempty"`

	// PKCS12 is the path of a PKCS#12 bundle holding key and certificate
	PKCS12         string `yaml:"sec_pkcs12" json:"sec_pkcs12,omitempty" bson:"sec_pkcs12,omitempty"`
	PKCS12Password string `yaml:"sec_pkcs12_password" json:"sec_pkcs12_password,omitempty" bson:"sec_pkcs12_password,omitempty"`
	// Certificate is a PEM/DER certificate path or an inline PEM block
	Certificate         string `yaml:"sec_certificate" json:"sec_certificate,omitempty" bson:"sec_certificate,omitempty"`
	SignatureAlgorithm  string `yaml:"sec_signature_algorithm" json:"sec_signature_algorithm,omitempty" bson:"sec_signature_algorithm,omitempty"`
	EncryptionAlgorithm string `yaml:"sec_encrypt_algorithm" json:"sec_encrypt_algorithm,omitempty" bson:"sec_encrypt_algorithm,omitempty"`

	SendCompress           bool   `yaml:"send_compress" json:"send_compress,omitempty" bson:"send_compress,omitempty"`
	SendURL                string `yaml:"send_url" json:"send_url,omitempty" bson:"send_url,omitempty"`
	SendSubject            string `yaml:"send_subject" json:"send_subject,omitempty" bson:"send_subject,omitempty"`
	SendContentType        string `yaml:"send_content_type" json:"send_content_type,omitempty" bson:"send_content_type,omitempty"`
	SendEncoding           string `yaml:"send_encoding" json:"send_encoding,omitempty" bson:"send_encoding,omitempty"`
	SendCredentialMethod   string `yaml:"send_credential_method" json:"send_credential_method,omitempty" bson:"send_credential_method,omitempty"`
	SendCredentialLogin    string `yaml:"send_credential_login" json:"send_credential_login,omitempty" bson:"send_credential_login,omitempty"`
	SendCredentialPassword string `yaml:"send_credential_password" json:"send_credential_password,omitempty" bson:"send_credential_password,omitempty"`

	MDNURL                string `yaml:"mdn_url" json:"mdn_url,omitempty" bson:"mdn_url,omitempty"`
	MDNSubject            string `yaml:"mdn_subject" json:"mdn_subject,omitempty" bson:"mdn_subject,omitempty"`
	MDNRequest            string `yaml:"mdn_request" json:"mdn_request,omitempty" bson:"mdn_request,omitempty"`
	MDNSigned             *bool  `yaml:"mdn_signed" json:"mdn_signed,omitempty" bson:"mdn_signed,omitempty"`
	MDNCredentialMethod   string `yaml:"mdn_credential_method" json:"mdn_credential_method,omitempty" bson:"mdn_credential_method,omitempty"`
	MDNCredentialLogin    string `yaml:"mdn_credential_login" json:"mdn_credential_login,omitempty" bson:"mdn_credential_login,omitempty"`
	MDNCredentialPassword string `yaml:"mdn_credential_password" json:"mdn_credential_password,omitempty" bson:"mdn_credential_password,omitempty"`

	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify,omitempty" bson:"tls_insecure_skip_verify,omitempty"`
	AsyncMDNDelay         string `yaml:"async_mdn_delay" json:"async_mdn_delay,omitempty" bson:"async_mdn_delay,omitempty"`
}

// Bool returns a pointer to b, for Record.MDNSigned
func Bool(b bool) *bool {
	return &b
}
