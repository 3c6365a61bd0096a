package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonschema"

	"civicmesh/internal/domain"
)

// credentialSchema is the shape every configured agent credential must have.
// A credential is usable only if it carries a signature, an issuer, and
// expiration information; the scheme check on the issuer happens at
// verification time.
const credentialSchema = `{
	"type": "object",
	"required": ["type", "issuer", "credentialSubject", "signature"],
	"properties": {
		"type":              {"type": "string", "minLength": 1},
		"issuer":            {"type": "string", "minLength": 1},
		"issuanceDate":      {"type": "string"},
		"expirationDate":    {"type": "string"},
		"credentialSubject": {"type": "object"},
		"signature":         {"type": "string", "minLength": 1}
	}
}`

var compiledCredentialSchema = mustCompile(credentialSchema)

func mustCompile(src string) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("compile credential schema: %v", err))
	}
	return schema
}

// ValidateCredential checks a raw credential document against the schema.
func ValidateCredential(doc map[string]any) error {
	if doc == nil {
		return fmt.Errorf("credential document is empty")
	}
	result := compiledCredentialSchema.Validate(doc)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

// ParseCredential converts a validated raw credential document into a
// domain.Credential. Date fields accept RFC 3339 or date-only forms.
func ParseCredential(doc map[string]any) (domain.Credential, error) {
	if err := ValidateCredential(doc); err != nil {
		return domain.Credential{}, err
	}

	// Round-trip through JSON so nested YAML maps normalize cleanly.
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("marshal credential: %w", err)
	}

	var aux struct {
		Type              string         `json:"type"`
		Issuer            string         `json:"issuer"`
		IssuanceDate      string         `json:"issuanceDate"`
		ExpirationDate    string         `json:"expirationDate"`
		CredentialSubject map[string]any `json:"credentialSubject"`
		Signature         string         `json:"signature"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return domain.Credential{}, fmt.Errorf("decode credential: %w", err)
	}

	cred := domain.Credential{
		Type:              aux.Type,
		Issuer:            aux.Issuer,
		CredentialSubject: aux.CredentialSubject,
		Signature:         aux.Signature,
	}
	if cred.IssuanceDate, err = parseDate(aux.IssuanceDate); err != nil {
		return domain.Credential{}, fmt.Errorf("issuanceDate: %w", err)
	}
	if cred.ExpirationDate, err = parseDate(aux.ExpirationDate); err != nil {
		return domain.Credential{}, fmt.Errorf("expirationDate: %w", err)
	}
	return cred, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
