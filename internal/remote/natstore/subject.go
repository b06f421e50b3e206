package natstore

import (
	"fmt"
	"strings"
)

// SubjectFor maps a collection/key pair onto a stream subject. Collection
// path segments become subject tokens; bytes NATS reserves inside a token
// (".", "*", ">", whitespace) are escaped as "=HH" so arbitrary keys, email
// addresses included, stay routable. The envelope carries the literal
// collection and key, so subjects never need decoding.
func SubjectFor(collection, key string) string {
	var b strings.Builder
	b.WriteString(subjectPrefix)
	for _, seg := range strings.Split(collection, "/") {
		b.WriteByte('.')
		b.WriteString(token(seg))
	}
	b.WriteByte('.')
	b.WriteString(token(key))
	return b.String()
}

func token(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	if b.Len() == 0 {
		return "=00"
	}
	return b.String()
}
