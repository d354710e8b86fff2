package mockidp

import (
	"time"

	"github.com/ParleSec/FlowGlass/pkg/models"
)

// initDemoData seeds the demo users and OAuth clients.
func (p *Provider) initDemoData() {
	p.users["alice"] = &models.User{
		ID:       "alice",
		Email:    "alice@example.com",
		Name:     "Alice Johnson",
		Password: "password123",
		Roles:    []string{"user"},
		Claims: map[string]string{
			"department": "Engineering",
		},
		CreatedAt: time.Now(),
	}

	p.users["bob"] = &models.User{
		ID:       "bob",
		Email:    "bob@example.com",
		Name:     "Bob Smith",
		Password: "password123",
		Roles:    []string{"user"},
		Claims: map[string]string{
			"department": "Marketing",
		},
		CreatedAt: time.Now(),
	}

	p.users["admin"] = &models.User{
		ID:       "admin",
		Email:    "admin@example.com",
		Name:     "Admin User",
		Password: "admin123",
		Roles:    []string{"user", "admin"},
		Claims: map[string]string{
			"department": "IT",
		},
		CreatedAt: time.Now(),
	}

	p.clients["demo-app"] = &models.Client{
		ID:     "demo-app",
		Secret: "demo-secret",
		Name:   "Demo Application",
		RedirectURIs: []string{
			"http://localhost:3000/callback",
			"http://localhost:8080/callback",
			"http://127.0.0.1:8080/callback",
		},
		GrantTypes: []string{"authorization_code", "refresh_token"},
		Scopes:     []string{"openid", "profile", "email"},
		Public:     false,
		CreatedAt:  time.Now(),
	}

	p.clients["public-app"] = &models.Client{
		ID:     "public-app",
		Secret: "",
		Name:   "Public Application (SPA)",
		RedirectURIs: []string{
			"http://localhost:3000/callback",
			"http://localhost:8080/callback",
			"http://127.0.0.1:8080/callback",
		},
		GrantTypes: []string{"authorization_code", "refresh_token"},
		Scopes:     []string{"openid", "profile", "email"},
		Public:     true,
		CreatedAt:  time.Now(),
	}

	p.clients["machine-client"] = &models.Client{
		ID:           "machine-client",
		Secret:       "machine-secret",
		Name:         "Machine-to-Machine Client",
		RedirectURIs: []string{},
		GrantTypes:   []string{"client_credentials"},
		Scopes:       []string{"api:read", "api:write"},
		Public:       false,
		CreatedAt:    time.Now(),
	}

	p.clients["tv-app"] = &models.Client{
		ID:           "tv-app",
		Secret:       "",
		Name:         "Limited-Input Device (TV)",
		RedirectURIs: []string{},
		GrantTypes:   []string{"urn:ietf:params:oauth:grant-type:device_code"},
		Scopes:       []string{"openid", "profile"},
		Public:       true,
		CreatedAt:    time.Now(),
	}
}

// UserClaims returns the OIDC claims released for a user under the given scopes.
func (p *Provider) UserClaims(userID string, scopes []string) map[string]any {
	user, exists := p.GetUser(userID)
	if !exists {
		return nil
	}

	claims := make(map[string]any)
	claims["sub"] = user.ID

	for _, scope := range scopes {
		switch scope {
		case "profile":
			claims["name"] = user.Name
			claims["preferred_username"] = user.ID
		case "email":
			claims["email"] = user.Email
			claims["email_verified"] = true
		case "roles":
			claims["roles"] = user.Roles
		}
	}

	for k, v := range user.Claims {
		claims[k] = v
	}
	return claims
}

// ListUsers returns all demo users.
func (p *Provider) ListUsers() []*models.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]*models.User, 0, len(p.users))
	for _, u := range p.users {
		users = append(users, u)
	}
	return users
}

// ListClients returns all registered clients.
func (p *Provider) ListClients() []*models.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	clients := make([]*models.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	return clients
}
