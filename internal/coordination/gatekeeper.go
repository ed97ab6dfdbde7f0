package coordination

import (
	"context"
)

// Admission is the result of comparing a job's token against the stored one
type Admission struct {
	Admitted bool
	// Degraded is set when the store could not be read and the job was let through
	Degraded bool
	Err      error
}

// Admit lets a job through only when its token is still the newest one for the conversation.
// A missing token (expired or never written) admits the job, and so does an unreachable store.
func Admit(ctx context.Context, tokens TokenStore, conversationID, jobToken string) Admission {
	stored, ok, err := tokens.GetToken(ctx, conversationID)
	if err != nil {
		return Admission{Admitted: true, Degraded: true, Err: err}
	}
	if !ok {
		return Admission{Admitted: true}
	}
	return Admission{Admitted: stored == jobToken}
}
