package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/alkorolyov/dcmon/internal/auth"
)

type registerRequest struct {
	AgentID    string `json:"agent_id"`
	Hostname   string `json:"hostname"`
	PublicKey  string `json:"public_key"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
	AdminToken string `json:"admin_token"`
}

type registerResponse struct {
	AgentID     string `json:"agent_id"`
	BearerToken string `json:"bearer_token"`
}

// Register performs the one-time enrollment: prove possession of the
// keypair by signing the canonical payload, present the admin token,
// persist the returned bearer. Safe to call again; the server answers
// idempotently for an unchanged key.
func Register(ctx context.Context, creds *Credentials, api *apiClient, agentID, hostname, adminToken string) (string, error) {
	if err := creds.EnsureKeypair(); err != nil {
		return "", err
	}
	pubPEM, err := creds.PublicKeyPEM()
	if err != nil {
		return "", err
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	ts := time.Now().UTC().Unix()

	canonical := auth.CanonicalRegistrationString(agentID, hostname, nonce, ts)
	signature, err := creds.Sign(canonical)
	if err != nil {
		return "", err
	}

	req := registerRequest{
		AgentID:    agentID,
		Hostname:   hostname,
		PublicKey:  pubPEM,
		Nonce:      nonce,
		Timestamp:  ts,
		Signature:  signature,
		AdminToken: adminToken,
	}
	var resp registerResponse
	if err := api.doJSON(ctx, http.MethodPost, "/api/clients/register", req, &resp); err != nil {
		return "", fmt.Errorf("registration: %w", err)
	}
	if resp.BearerToken == "" {
		return "", fmt.Errorf("registration succeeded but no bearer token returned")
	}
	if err := creds.SaveToken(resp.BearerToken); err != nil {
		return "", err
	}
	return resp.BearerToken, nil
}
