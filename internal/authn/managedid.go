package authn

import (
	"context"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"drover/internal/apperr"
)

// ManagedIdentityMethod authenticates tokens minted for Azure managed
// identities. These are tenant tokens like any other, but their audience is
// the resource the identity requested, not this broker, so the audience check
// is relaxed and only app tokens from the bound tenant are admitted.
type ManagedIdentityMethod struct {
	validator *EntraValidator
}

func NewManagedIdentityMethod(v *EntraValidator) *ManagedIdentityMethod {
	return &ManagedIdentityMethod{validator: v}
}

func (m *ManagedIdentityMethod) Name() string { return "managed_identity" }

func (m *ManagedIdentityMethod) Authenticate(r *http.Request) (*Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil
	}
	claims, err := m.validator.Validate(raw, false)
	if err != nil {
		return nil, err
	}
	if idtyp, _ := claims["idtyp"].(string); idtyp != "app" {
		return nil, apperr.New(apperr.KindUnauthorized, "managed identity requires an app token")
	}
	return principalFromClaims(claims, m.Name()), nil
}

// VaultSecrets reads broker secrets from Azure Key Vault using the ambient
// managed identity. Used at boot to load API keys and the upstream OAuth
// client secret without putting either in the environment.
type VaultSecrets struct {
	client *azsecrets.Client
}

// NewVaultSecrets connects to the vault with the default credential chain,
// which resolves to the managed identity when running in Azure.
func NewVaultSecrets(vaultURL string) (*VaultSecrets, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "acquire azure credential")
	}
	client, err := azsecrets.NewClient(vaultURL, cred, &azsecrets.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: 3},
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "connect key vault %s", vaultURL)
	}
	return &VaultSecrets{client: client}, nil
}

// Get fetches the latest version of one secret.
func (v *VaultSecrets) Get(ctx context.Context, name string) (string, error) {
	resp, err := v.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthorized, err, "read vault secret %s", name)
	}
	if resp.Value == nil {
		return "", apperr.New(apperr.KindIntegrity, "vault secret %s has no value", name)
	}
	return *resp.Value, nil
}

// GetList fetches a comma-separated secret as a trimmed list.
func (v *VaultSecrets) GetList(ctx context.Context, name string) ([]string, error) {
	raw, err := v.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}
