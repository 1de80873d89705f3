// credentials.go loads the environment forwarded to agent processes. Only
// a whitelist of credential-bearing variables crosses the sandbox
// boundary, sourced from a dedicated env file outside every workspace,
// with the OS keyring as fallback for the primary API keys.
package sandbox

import (
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

// credentialPrefixes are the env var families forwarded to agents.
var credentialPrefixes = []string{
	"ANTHROPIC_",
	"CLAUDE_",
	"OPENAI_",
	"CODEX_",
	"OPENCODE_",
}

// keyringKeys are looked up in the OS keyring when the env file does not
// provide them.
var keyringKeys = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
}

// LoadCredentials reads the agent env file and filters it to the
// credential whitelist. Variables absent from the file are filled from
// the OS keyring under the given service name. A missing file is not an
// error; agents may authenticate through session state instead.
func LoadCredentials(envFile, keyringService string, logger *slog.Logger) map[string]string {
	if logger == nil {
		logger = slog.Default()
	}

	env := map[string]string{}
	if envFile != "" {
		loaded, err := godotenv.Read(envFile)
		if err == nil {
			for k, v := range loaded {
				if isCredentialVar(k) {
					env[k] = v
				}
			}
		} else {
			logger.Debug("agent env file not readable", "file", envFile, "error", err)
		}
	}

	if keyringService != "" {
		for _, key := range keyringKeys {
			if _, ok := env[key]; ok {
				continue
			}
			if v, err := keyring.Get(keyringService, key); err == nil && v != "" {
				env[key] = v
			}
		}
	}

	return env
}

// isCredentialVar reports whether the variable belongs to a forwarded
// credential family.
func isCredentialVar(name string) bool {
	for _, prefix := range credentialPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
