package authn

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"drover/internal/config"
	"drover/internal/observability"
)

// OAuthProxy fronts the upstream identity provider for clients that speak
// plain OAuth. Dynamic registration hands out fresh client ids, but every
// client exchanges with the broker's single upstream secret; the broker is
// one registered application upstream no matter how many local clients exist.
type OAuthProxy struct {
	baseURL      string
	tenantID     string
	clientID     string
	clientSecret string
	clients      *ClientStore
	http         *http.Client
	log          *observability.Logger

	// upstreamBase is overridable in tests.
	upstreamBase string
}

// NewOAuthProxy wires the proxy over the registered-client store.
func NewOAuthProxy(baseURL string, cfg config.AuthConfig, clients *ClientStore, log *observability.Logger) *OAuthProxy {
	return &OAuthProxy{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tenantID:     cfg.TenantID,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		clients:      clients,
		http:         &http.Client{Timeout: 30 * time.Second},
		log:          log,
		upstreamBase: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0", cfg.TenantID),
	}
}

// Mount registers the OAuth surface on the router root.
func (p *OAuthProxy) Mount(r gin.IRouter) {
	r.GET("/.well-known/oauth-authorization-server", p.serverMetadata)
	r.GET("/.well-known/oauth-protected-resource", p.resourceMetadata)
	r.GET("/authorize", p.authorize)
	r.POST("/token", p.token)
	r.POST("/register", p.register)
}

func (p *OAuthProxy) serverMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"issuer":                             p.baseURL,
		"authorization_endpoint":             p.baseURL + "/authorize",
		"token_endpoint":                     p.baseURL + "/token",
		"registration_endpoint":              p.baseURL + "/register",
		"response_types_supported":           []string{"code"},
		"grant_types_supported":              []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post"},
	})
}

func (p *OAuthProxy) resourceMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resource":              p.baseURL,
		"authorization_servers": []string{p.baseURL},
		"bearer_methods_supported": []string{"header"},
	})
}

// authorize forwards the browser to the upstream authorize endpoint with the
// caller's local client id swapped for the broker's upstream one. The
// original redirect_uri passes through; the upstream must list it, which the
// operator sets up once.
func (p *OAuthProxy) authorize(c *gin.Context) {
	localID := c.Query("client_id")
	if localID != "" && localID != p.clientID {
		if _, ok := p.clients.Get(localID); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client", "error_description": "unknown client_id"})
			return
		}
	}

	q := c.Request.URL.Query()
	q.Set("client_id", p.clientID)
	c.Redirect(http.StatusFound, p.upstreamBase+"/authorize?"+q.Encode())
}

// token exchanges a code or refresh token upstream on the client's behalf.
func (p *OAuthProxy) token(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	form := c.Request.PostForm

	localID := form.Get("client_id")
	if localID != "" && localID != p.clientID {
		if _, ok := p.clients.Get(localID); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
			return
		}
		if secret := form.Get("client_secret"); secret != "" && secret != p.clientSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
			return
		}
	}

	upstream := url.Values{}
	for k, vs := range form {
		for _, v := range vs {
			upstream.Add(k, v)
		}
	}
	upstream.Set("client_id", p.clientID)
	upstream.Set("client_secret", p.clientSecret)

	resp, err := p.http.PostForm(p.upstreamBase+"/token", upstream)
	if err != nil {
		p.log.Error("upstream token exchange", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "server_error"})
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "server_error"})
		return
	}
	c.Data(resp.StatusCode, "application/json", body)
}

type registerRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// register implements dynamic client registration. The returned secret is the
// broker's upstream secret, shared across all registered clients.
func (p *OAuthProxy) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_metadata"})
		return
	}
	client, err := p.clients.Register(req.ClientName, req.RedirectURIs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_metadata", "error_description": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"client_id":                client.ClientID,
		"client_secret":            p.clientSecret,
		"client_name":              client.ClientName,
		"redirect_uris":            client.RedirectURIs,
		"client_id_issued_at":      client.CreatedAt.Unix(),
		"grant_types":              []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_method": "client_secret_post",
	})
}
