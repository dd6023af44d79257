package transcription

import "neuravox/core"

// CredentialSource resolves a named credential, e.g. from neuravox/config's
// layered (env > YAML > default) configuration.
type CredentialSource interface {
	CredentialFor(backendID string) (value string, present bool)
}

// RequireCredential returns a fatal *core.Error if backend b requires a
// credential that source does not have configured for b.ID(). Called once by the
// orchestrator's pre-mutation validation (§4.9), not on every chunk.
func RequireCredential(source CredentialSource, b Backend) error {
	name, required := b.RequiresCredential()
	if !required {
		return nil
	}
	if _, ok := source.CredentialFor(b.ID()); !ok {
		return core.NewBackendFatal(core.ReasonInvalidCredential, "missing credential: "+name, nil)
	}
	return nil
}
