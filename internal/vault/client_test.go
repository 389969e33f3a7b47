package vault

import (
	"context"
	"testing"

	"broker-resilience/config"
)

func TestDisabledClientRoundTrip(t *testing.T) {
	client, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx := context.Background()

	if _, err := client.GetCredentials(ctx); err == nil {
		t.Error("Empty disabled client should have no credentials")
	}

	creds := BrokerCredentials{
		APIToken:    "token-123",
		AccountID:   "001-001-1234567-001",
		Environment: "practice",
	}
	if err := client.StoreCredentials(ctx, creds); err != nil {
		t.Fatalf("StoreCredentials failed: %v", err)
	}

	got, err := client.GetCredentials(ctx)
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if *got != creds {
		t.Errorf("Credentials mismatch: %+v", got)
	}

	// The returned copy must not alias the cache
	got.APIToken = "mutated"
	again, _ := client.GetCredentials(ctx)
	if again.APIToken != "token-123" {
		t.Error("Cached credentials should be detached from returned copies")
	}
}

func TestDeleteClearsCache(t *testing.T) {
	client := NewMockClient()
	ctx := context.Background()

	client.StoreCredentials(ctx, BrokerCredentials{APIToken: "tok"})
	if err := client.DeleteCredentials(ctx); err != nil {
		t.Fatalf("DeleteCredentials failed: %v", err)
	}
	if _, err := client.GetCredentials(ctx); err == nil {
		t.Error("Deleted credentials should not resolve")
	}
}

func TestDisabledHealthIsHealthy(t *testing.T) {
	client := NewMockClient()
	if client.IsEnabled() {
		t.Error("Mock client should report disabled")
	}
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Disabled vault health should pass, got %v", err)
	}
}
