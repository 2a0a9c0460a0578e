package downend

import "github.com/danmuck/edgelink/internal/signon"

// Credential is the primary signon secret pair.
type Credential struct {
	Login    string
	Password string
}

// CredentialSource supplies secrets on request. Reads may answer from any
// goroutine and at any later time; a nil answer means the user cancelled.
type CredentialSource interface {
	ReadCredential(done func(*Credential))
	ReadSecondaryCode(done func(*string))
	SetProgressMessage(text string)
	// SetProblemMessage shows a failure before the next prompt or stop.
	SetProblemMessage(f *signon.Failure)
	// Done tells the source that no prompt is outstanding anymore.
	Done()
}

// StaticCredentials answers every prompt with fixed values. It suits
// unattended clients; an empty Code cancels the secondary step.
type StaticCredentials struct {
	Credential Credential
	Code       string
}

func (s StaticCredentials) ReadCredential(done func(*Credential)) {
	c := s.Credential
	done(&c)
}

func (s StaticCredentials) ReadSecondaryCode(done func(*string)) {
	if s.Code == "" {
		done(nil)
		return
	}
	code := s.Code
	done(&code)
}

func (StaticCredentials) SetProgressMessage(string)         {}
func (StaticCredentials) SetProblemMessage(*signon.Failure) {}
func (StaticCredentials) Done()                             {}
