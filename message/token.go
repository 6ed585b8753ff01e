package message

import (
	"github.com/google/uuid"
)

// Token correlates a Call with its Reply. It is a random 128-bit UUID chosen by
// the Call's originator and travels as its canonical text form.
type Token uuid.UUID

// NilToken is the zero token. It never identifies a real call.
var NilToken Token

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.New())
}

// ParseToken parses the textual form of a token (any case).
func ParseToken(s string) (Token, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilToken, err
	}
	return Token(id), nil
}

// MustParseToken is like ParseToken but panics on error. Intended for tests and constants.
func MustParseToken(s string) Token {
	return Token(uuid.MustParse(s))
}

func (t Token) String() string {
	return uuid.UUID(t).String()
}

// IsZero reports whether t is the nil token.
func (t Token) IsZero() bool {
	return t == NilToken
}

func (t Token) MarshalText() ([]byte, error) {
	return uuid.UUID(t).MarshalText()
}

func (t *Token) UnmarshalText(data []byte) error {
	var id uuid.UUID
	if err := id.UnmarshalText(data); err != nil {
		return err
	}
	*t = Token(id)
	return nil
}
