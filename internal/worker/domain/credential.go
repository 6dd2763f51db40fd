package domain

// CredentialBundle holds decrypted provider credentials for one send cycle
type CredentialBundle struct {
	Name         string `json:"-"`
	AccountSID   string `json:"account_sid"`
	AuthToken    string `json:"auth_token"`
	APIKey       string `json:"api_key"`
	From         string `json:"from"`
	MaxPerSecond int    `json:"max_per_second"`
}
