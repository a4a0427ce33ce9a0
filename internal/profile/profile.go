// Package profile validates and normalizes the details a visitor enters:
// name, WhatsApp number, email and password.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jredh-dev/spinwheel/pkg/models"
)

// MinPasswordLength is the shortest password accepted at sign-up.
const MinPasswordLength = 6

var (
	ErrNameRequired        = errors.New("name is required")
	ErrWhatsAppRequired    = errors.New("WhatsApp number is required")
	ErrCredentialsRequired = errors.New("please enter both email and password")
	ErrInvalidEmail        = errors.New("please enter a valid email address")
	ErrPasswordTooShort    = errors.New("password must be at least 6 characters")
)

var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

// Normalize trims s and puts it in NFC form so visually identical input
// compares equal.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Validate checks the fields required to claim a reward.
func Validate(name, whatsapp string) error {
	if Normalize(name) == "" {
		return ErrNameRequired
	}
	if Normalize(whatsapp) == "" {
		return ErrWhatsAppRequired
	}
	return nil
}

// ValidateEmail checks that email looks like an address.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateCredentials checks a sign-in form.
func ValidateCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return ErrCredentialsRequired
	}
	return ValidateEmail(email)
}

// ValidateSignUp checks a sign-up form.
func ValidateSignUp(email, password, name, whatsapp string) error {
	if err := ValidateCredentials(email, password); err != nil {
		return err
	}
	if err := Validate(name, whatsapp); err != nil {
		return err
	}
	return ValidatePassword(password)
}

// ValidatePassword enforces MinPasswordLength.
func ValidatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// NormalizeEmail returns a canonical form of an email address.
//
// For Gmail addresses (@gmail.com and @googlemail.com):
//   - Strips the "+suffix" from the local part (user+tag -> user)
//   - Removes all dots from the local part (u.s.e.r -> user)
//   - Normalizes @googlemail.com to @gmail.com
//
// All addresses are lowercased and trimmed.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))

	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if domain == "googlemail.com" {
		domain = "gmail.com"
	}
	if domain == "gmail.com" {
		if plus := strings.Index(local, "+"); plus >= 0 {
			local = local[:plus]
		}
		local = strings.ReplaceAll(local, ".", "")
	}
	return local + "@" + domain
}

// NormalizePhone strips a phone number down to digits. A 10-digit result
// (US number without country code) gets a leading "1".
func NormalizePhone(phone string) string {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	result := digits.String()
	if len(result) == 10 {
		result = "1" + result
	}
	return result
}

// EmailHash returns the hex SHA-256 of the normalized address. Accounts are
// keyed by it so Gmail aliases of one mailbox map to one account.
func EmailHash(email string) string {
	h := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(h[:])
}

// Prefill returns the best known name and WhatsApp number for the profile
// form: the stored profile first, then what the identity provider knows. A
// phone number from the provider is reduced to digits.
func Prefill(p *models.UserProfile, u *models.User) models.UserProfile {
	var out models.UserProfile
	if p != nil {
		out = *p
	}
	if u != nil {
		if out.Name == "" {
			out.Name = u.DisplayName
		}
		if out.Name == "" {
			out.Name = u.Email
		}
		if out.WhatsApp == "" {
			out.WhatsApp = NormalizePhone(u.Phone)
		}
	}
	return out
}
