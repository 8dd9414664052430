// Package security holds the TLS settings shared by broker clients and the admin server.
package security

// ClientTLSConfig configures TLS towards a broker or database. The system CA bundle is
// always trusted; CAFiles are additional roots.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // test setups only
	MinVersion         string   `json:"min_version,omitempty"`          // "1.2" or "1.3"
	ServerName         string   `json:"server_name,omitempty"`

	// client certificate for mutual TLS
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// ServerTLSConfig configures TLS for the admin HTTP server.
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"`

	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}
