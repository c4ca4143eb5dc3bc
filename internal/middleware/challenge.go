package middleware

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

const (
	// ChallengeCookie carries the signed proof that the client ran the page script
	ChallengeCookie = "jschallenge"
	challengeIssuer = "guardian-lb"
)

// ChallengeConfig configures the JS challenge
type ChallengeConfig struct {
	Path      string
	Key       []byte
	TTL       time.Duration
	ClockSkew time.Duration
}

// ChallengeClaims is the payload of the challenge cookie. The subject is the
// client IP the token was issued to.
type ChallengeClaims struct {
	jwt.RegisteredClaims
}

var challengePage = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Checking your browser</title></head>
<body>
<noscript>JavaScript is required to continue.</noscript>
<script>
document.cookie = {{.Cookie}} + "=" + {{.Token}} + "; path=/; max-age=" + {{.MaxAge}} + "; SameSite=Lax";
window.location.replace({{.Redirect}});
</script>
</body>
</html>
`))

// Challenge issues and verifies the JS challenge cookie
type Challenge struct {
	config  ChallengeConfig
	counter RequestCounter
	logger  *logger.Logger
	now     func() time.Time
}

// NewChallenge creates a challenge. An empty key is rejected since every
// cookie would then verify.
func NewChallenge(config ChallengeConfig, counter RequestCounter, logger *logger.Logger) (*Challenge, error) {
	if len(config.Key) == 0 {
		return nil, fmt.Errorf("challenge key must not be empty")
	}
	if config.Path == "" {
		config.Path = "/challenge"
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}

	return &Challenge{
		config:  config,
		counter: counter,
		logger:  logger.MiddlewareLogger("challenge"),
		now:     time.Now,
	}, nil
}

// Path returns the URL the challenge page is served on
func (c *Challenge) Path() string { return c.config.Path }

// Issue signs a cookie value for clientIP
func (c *Challenge) Issue(clientIP string) (string, error) {
	now := c.now()
	claims := ChallengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    challengeIssuer,
			Subject:   clientIP,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.config.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.Key)
}

// Verify checks a cookie value issued to clientIP
func (c *Challenge) Verify(token, clientIP string) error {
	claims := &ChallengeClaims{}
	parser := jwt.Parser{SkipClaimsValidation: true}

	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.config.Key, nil
	})
	if err != nil {
		return err
	}

	now := c.now()
	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Add(c.config.ClockSkew)) {
		return fmt.Errorf("challenge token expired")
	}
	if claims.Issuer != challengeIssuer {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject != clientIP {
		return fmt.Errorf("challenge token issued to another client")
	}
	return nil
}

// SafeRedirect returns target when it is a same-origin relative path and
// "/" otherwise.
func SafeRedirect(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return target
}

// ServeHTTP serves the challenge page
func (c *Challenge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := RequestIP(r)

	token, err := c.Issue(clientIP)
	if err != nil {
		c.logger.WithError(err).Error("Failed to sign challenge token")
		WriteError(w, lberrors.WrapError(err, lberrors.ErrCodeVerificationFailed, "challenge", "failed to issue challenge"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err = challengePage.Execute(w, map[string]interface{}{
		"Cookie":   ChallengeCookie,
		"Token":    token,
		"MaxAge":   int(c.config.TTL.Seconds()),
		"Redirect": SafeRedirect(r.URL.Query().Get("redirect")),
	})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to write challenge page")
	}
}

// Middleware serves the challenge page on its path and redirects clients
// without a valid cookie to it. Expired or foreign cookies are redirected
// too so the page can reissue them.
func (c *Challenge) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == c.config.Path {
				c.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(ChallengeCookie)
			if err != nil {
				c.redirect(w, r)
				return
			}

			clientIP := RequestIP(r)
			if err := c.Verify(cookie.Value, clientIP); err != nil {
				if c.counter != nil {
					c.counter.IncrementRejected("challenge")
				}
				c.logger.WithError(err).WithField("client_ip", clientIP).Debug("Challenge verification failed")
				c.redirect(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (c *Challenge) redirect(w http.ResponseWriter, r *http.Request) {
	target := c.config.Path + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}
