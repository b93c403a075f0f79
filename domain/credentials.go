package domain

// Credentials is the access/refresh token pair held by the credential store.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Complete reports whether both tokens are present.
func (c Credentials) Complete() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// Fingerprint returns a short prefix of a token that is safe to log.
func Fingerprint(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "..."
}
