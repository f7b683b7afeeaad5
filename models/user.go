package models

// Principal is the authenticated caller attached to a request or channel.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string    `json:"token"`
	User  Principal `json:"user"`
}

type MeResponse struct {
	User Principal `json:"user"`
}

type PublicKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

type PublicKeyResponse struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type PushTokenRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type UploadURLRequest struct {
	ContentType string `json:"contentType"`
}

type UploadURLResponse struct {
	UploadURL string `json:"uploadUrl"`
	FileURL   string `json:"fileUrl"`
	FileKey   string `json:"fileKey"`
}

type DownloadURLResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
