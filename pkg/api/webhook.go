package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/notifyops/relay/pkg/models"
)

// maxWebhookBody caps a single delivery at 1 MiB; real senders stay well
// under this.
const maxWebhookBody = 1 << 20

const defaultSignatureHeader = "X-Hub-Signature-256"

// webhookHandler ingests one webhook delivery. The :source segment selects
// the configured source; the body is verified against the source's HMAC
// secret before it touches the pipeline.
func (s *Server) webhookHandler(c *echo.Context) error {
	name := c.Param("source")
	srcCfg, ok := s.cfg.Sources[name]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown webhook source")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	if err := verifySignature(c.Request(), srcCfg.SignatureHeader, srcCfg.SecretEnv, body); err != nil {
		s.logger.Warn("webhook signature rejected", "source", name, "error", err)
		return err
	}

	if err := s.deps.Ingest.Ingest(c.Request().Context(), models.Source(name), body); err != nil {
		return mapBrokerError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// verifySignature checks the sender's HMAC-SHA256 digest. An empty
// SecretEnv disables verification for that source.
func verifySignature(r *http.Request, header, secretEnv string, body []byte) error {
	if secretEnv == "" {
		return nil
	}
	secret := os.Getenv(secretEnv)
	if secret == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook secret not configured")
	}
	if header == "" {
		header = defaultSignatureHeader
	}
	got := r.Header.Get(header)
	if got == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing signature header")
	}
	got = strings.TrimPrefix(got, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
	}
	return nil
}
