package payload

import (
	"encoding/json"
	"strings"
)

// Key builds a JMESPath expression from raw object keys. Every segment is
// emitted as a quoted identifier, so keys such as "patient.given_name" or
// "patient.otheridentifier^nupi" address a single member.
func Key(segments ...string) string {
	quoted := make([]string, len(segments))
	for i, s := range segments {
		b, _ := json.Marshal(s)
		quoted[i] = string(b)
	}
	return strings.Join(quoted, ".")
}
