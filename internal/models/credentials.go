package models

// Credentials are the appliance connection settings.
type Credentials struct {
	URL       string
	Password  string
	VerifySSL bool
}
