package twofactor

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	BackupCodeCount = 10
	backupCodeBytes = 4
	secretSize      = 20
	period          = 30
	skew            = 2
	qrSize          = 200
)

var validateOpts = totp.ValidateOpts{
	Period:    period,
	Skew:      skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"otpauthUrl"`
	QRCode          string   `json:"qrCode"`
	BackupCodes     []string `json:"backupCodes"`
}

type Service struct {
	issuer string
	now    func() time.Time
	random io.Reader
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(issuer string, opts ...Option) *Service {
	if strings.TrimSpace(issuer) == "" {
		issuer = "Store"
	}
	s := &Service{issuer: issuer, now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateEnrollment creates a fresh 160-bit secret, its otpauth URI with a
// PNG QR code (as a data URL), and a batch of plaintext backup codes.
func (s *Service) GenerateEnrollment(accountEmail string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountEmail,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        s.random,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return Enrollment{}, err
	}

	codes, err := s.GenerateBackupCodes()
	if err != nil {
		return Enrollment{}, err
	}

	return Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          qr,
		BackupCodes:     codes,
	}, nil
}

func (s *Service) GenerateBackupCodes() ([]string, error) {
	codes := make([]string, BackupCodeCount)
	buf := make([]byte, backupCodeBytes)
	for i := range codes {
		if _, err := io.ReadFull(s.random, buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = strings.ToUpper(hex.EncodeToString(buf))
	}
	return codes, nil
}

// VerifyCode checks a 6-digit code against secret, accepting two steps of
// drift either way.
func (s *Service) VerifyCode(code, secret string) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != 6 {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), validateOpts)
	return err == nil && ok
}

// CodeAt returns the code for secret at t.
func CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, validateOpts)
}

// VerifyBackupCode looks code up in hashes. On a match it returns the hashes
// without the used one; the caller persists the remainder. hashes itself is
// never modified.
func VerifyBackupCode(code string, hashes []string) (bool, []string) {
	normalized := normalizeBackupCode(code)
	if normalized == "" || len(hashes) == 0 {
		return false, hashes
	}

	candidate := HashBackupCode(normalized)
	for i, stored := range hashes {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) == 1 {
			remaining := make([]string, 0, len(hashes)-1)
			remaining = append(remaining, hashes[:i]...)
			remaining = append(remaining, hashes[i+1:]...)
			return true, remaining
		}
	}
	return false, hashes
}

func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

func HashBackupCodes(codes []string) []string {
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = HashBackupCode(code)
	}
	return hashes
}

func normalizeBackupCode(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
