package sasl

// Base64-encoded challenge strings for the LOGIN mechanism.
const (
	// LoginChallengeUsername is "Username:" encoded in base64
	LoginChallengeUsername = "VXNlcm5hbWU6"
	// LoginChallengePassword is "Password:" encoded in base64
	LoginChallengePassword = "UGFzc3dvcmQ6"
)

const (
	loginAwaitUsername = iota
	loginAwaitPassword
	loginFinished
)

// Login implements the LOGIN SASL mechanism. It takes two rounds, username
// then password, unless the client sends the username as initial response.
type Login struct {
	state    int
	username string
	creds    *Credentials
}

// NewLogin creates a new LOGIN mechanism handler.
func NewLogin() *Login {
	return &Login{}
}

// Name returns "LOGIN".
func (l *Login) Name() string {
	return "LOGIN"
}

// Start sends the username prompt, or the password prompt when the
// initial response already carries the username.
func (l *Login) Start(initialResponse string) (string, bool, error) {
	l.state = loginAwaitUsername
	if initialResponse != "" {
		return l.Next(initialResponse)
	}
	return LoginChallengeUsername, false, nil
}

// Next processes the client's answer to the pending prompt.
func (l *Login) Next(response string) (string, bool, error) {
	decoded, err := decode(response)
	if err != nil {
		l.state = loginFinished
		return "", true, err
	}

	switch l.state {
	case loginAwaitUsername:
		l.username = string(decoded)
		l.state = loginAwaitPassword
		return LoginChallengePassword, false, nil
	case loginAwaitPassword:
		l.creds = &Credentials{
			AuthenticationID: l.username,
			Password:         string(decoded),
		}
		l.state = loginFinished
		return "", true, nil
	default:
		return "", true, ErrInvalidFormat
	}
}

// Credentials returns the extracted credentials.
func (l *Login) Credentials() *Credentials {
	return l.creds
}
