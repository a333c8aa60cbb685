package notification

import "time"

// VerificationEvent asks for an account verification email.
type VerificationEvent struct {
	UserID            int64     `json:"userId"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	TelegramChatID    *int64    `json:"telegramChatId,omitempty"`
	VerificationToken string    `json:"verificationToken"`
	EventType         string    `json:"eventType"`
	CreatedAt         time.Time `json:"createdAt"`
}

// LinkRequest carries a token a Telegram user typed to link their account.
type LinkRequest struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chatId"`
}

// LinkResponse reports the outcome of a LinkRequest.
type LinkResponse struct {
	ChatID  int64 `json:"chatId"`
	Success bool  `json:"success"`
}

// EventEmailVerification is the record event type of verification emails.
const EventEmailVerification EventType = "EMAIL_VERIFICATION"

const (
	LinkPrompt  = "Hello! Please enter the token from your personal account to link it."
	LinkSuccess = "Your account has been successfully linked!"
	LinkFailure = "Invalid token. Please generate a new one in your personal account."

	VerificationSubject = "Email verification"
)

// VerificationBody renders the verification email text.
func VerificationBody(name, baseURL, token string) string {
	return "Hello, " + name + "! \nFollow the link: " + baseURL + "/api/auth/verify-email?token=" + token
}

// Text is the chat message for a link outcome.
func (r LinkResponse) Text() string {
	if r.Success {
		return LinkSuccess
	}
	return LinkFailure
}
