package session

import "regexp"

// emailPattern is deliberately RFC-5322-lite: printable local part, a domain
// with at least one dot, and an alphabetic TLD of two or more characters.
var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// ValidEmail reports whether the address matches the accepted grammar.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}
