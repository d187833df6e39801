package storage

import (
	"context"
	"testing"
	"time"
)

func TestPersistentKeyStoreAdd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error = %v", err)
	}

	defer func() {
		_ = store.Close()
	}()

	tests := []struct {
		name      string
		apiKey    *APIKey
		expectErr bool
	}{
		{
			name: "successfully adds new API key with bcrypt hash",
			apiKey: &APIKey{
				ID:          "test-key-1",
				Key:         "runlens_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
				ClientID:    "agent-sdk",
				Name:        "Test Key 1",
				Permissions: []string{"runs:read", "runs:write"},
				CreatedAt:   time.Now(),
				Active:      true,
			},
			expectErr: false,
		},
		{
			name: "successfully adds API key with expiration",
			apiKey: &APIKey{
				ID:          "test-key-2",
				Key:         "runlens_ak_abcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890",
				ClientID:    "otel-collector",
				Name:        "Test Key 2",
				Permissions: []string{"runs:read"},
				CreatedAt:   time.Now(),
				ExpiresAt: func(t time.Time) *time.Time {
					return &t
				}(time.Now().Add(24 * time.Hour)),
				Active: true,
			},
			expectErr: false,
		},
		{
			name: "fails to add duplicate API key (same hash)",
			apiKey: &APIKey{
				ID:          "test-key-3",
				Key:         "runlens_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef", // Same as test-key-1
				ClientID:    "agent-sdk",
				Name:        "Duplicate Key",
				Permissions: []string{"runs:read"},
				CreatedAt:   time.Now(),
				Active:      true,
			},
			expectErr: true,
		},
		{
			name:      "fails to add nil API key",
			apiKey:    nil,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Add(ctx, tt.apiKey)

			if tt.expectErr {
				if err == nil {
					t.Error("Add() expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("Add() unexpected error: %v", err)
				}
			}
		})
	}
}

func TestPersistentKeyStoreFindByKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error = %v", err)
	}

	defer func() {
		_ = store.Close()
	}()

	// Setup: Add test keys
	testKey := &APIKey{
		ID:          "find-test-1",
		Key:         "runlens_ak_findtest1234567890abcdef1234567890abcdef1234567890abcdef1234567", // pragma: allowlist secret
		ClientID:    "test-client",
		Name:        "Find Test Key",
		Permissions: []string{"runs:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	}

	if err := store.Add(ctx, testKey); err != nil {
		t.Fatalf("failed to add test key: %v", err)
	}

	tests := []struct {
		name      string
		key       string
		wantFound bool
		wantID    string
	}{
		{
			name:      "finds existing active API key",
			key:       "runlens_ak_findtest1234567890abcdef1234567890abcdef1234567890abcdef1234567", // pragma: allowlist secret
			wantFound: true,
			wantID:    "find-test-1",
		},
		{
			name:      "returns false for non-existent key",
			key:       "runlens_ak_nonexistent34567890abcdef1234567890abcdef1234567890abcdef1234567", // pragma: allowlist secret
			wantFound: false,
		},
		{
			name:      "returns false for empty key",
			key:       "",
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiKey, found := store.FindByKey(ctx, tt.key)

			if found != tt.wantFound {
				t.Errorf("FindByKey() found = %v, want %v", found, tt.wantFound)
			}

			if tt.wantFound {
				if apiKey == nil { // pragma: allowlist secret
					t.Error("FindByKey() returned nil API key when found=true")
				} else if apiKey.ID != tt.wantID {
					t.Errorf("FindByKey() ID = %q, want %q", apiKey.ID, tt.wantID)
				}
			}
		})
	}

	// The plaintext key and its hash must never leave the store
	t.Run("returned key material is masked", func(t *testing.T) {
		apiKey, found := store.FindByKey(ctx, testKey.Key)
		if !found {
			t.Fatal("FindByKey() should find the test key")
		}

		if apiKey.Key == testKey.Key {
			t.Error("FindByKey() returned plaintext key, want masked")
		}
	})
}

func TestPersistentKeyStoreUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error = %v", err)
	}

	defer func() {
		_ = store.Close()
	}()

	// Setup: Add test key
	testKey := &APIKey{
		ID:          "update-test-1",
		Key:         "runlens_ak_updatetest4567890abcdef1234567890abcdef1234567890abcdef1234567",
		ClientID:    "test-client",
		Name:        "Original Name",
		Permissions: []string{"runs:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	}

	if err := store.Add(ctx, testKey); err != nil {
		t.Fatalf("failed to add test key: %v", err)
	}

	tests := []struct {
		name      string
		apiKey    *APIKey
		expectErr bool
	}{
		{
			name: "successfully updates API key name",
			apiKey: &APIKey{
				ID:          "update-test-1",
				Key:         testKey.Key,
				ClientID:    "test-client",
				Name:        "Updated Name",
				Permissions: []string{"runs:read"},
				Active:      true,
			},
			expectErr: false,
		},
		{
			name: "successfully updates permissions",
			apiKey: &APIKey{
				ID:          "update-test-1",
				Key:         testKey.Key,
				ClientID:    "test-client",
				Name:        "Updated Name",
				Permissions: []string{"runs:read", "runs:write", "admin"},
				Active:      true,
			},
			expectErr: false,
		},
		{
			name: "successfully deactivates API key",
			apiKey: &APIKey{
				ID:       "update-test-1",
				Key:      testKey.Key,
				ClientID: "test-client",
				Name:     "Updated Name",
				Active:   false,
			},
			expectErr: false,
		},
		{
			name: "fails to update non-existent key",
			apiKey: &APIKey{
				ID:       "non-existent",
				Key:      "runlens_ak_nonexistent4567890abcdef1234567890abcdef1234567890abcdef1234567", // pragma: allowlist secret
				ClientID: "test-client",
				Name:     "Ghost Key",
				Active:   true,
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Update(ctx, tt.apiKey)

			if tt.expectErr {
				if err == nil {
					t.Error("Update() expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("Update() unexpected error: %v", err)
				}
			}
		})
	}
}

func TestPersistentKeyStoreDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error = %v", err)
	}

	defer func() {
		_ = store.Close()
	}()

	// Setup: Add test key
	testKey := &APIKey{
		ID:          "delete-test-1",
		Key:         "runlens_ak_deletetest4567890abcdef1234567890abcdef1234567890abcdef1234567",
		ClientID:    "test-client",
		Name:        "To Be Deleted",
		Permissions: []string{"runs:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	}

	if err := store.Add(ctx, testKey); err != nil {
		t.Fatalf("failed to add test key: %v", err)
	}

	tests := []struct {
		name      string
		keyID     string
		expectErr bool
	}{
		{
			name:      "successfully deletes existing API key",
			keyID:     "delete-test-1",
			expectErr: false,
		},
		{
			name:      "fails to delete non-existent key",
			keyID:     "non-existent-key",
			expectErr: true,
		},
		{
			name:      "fails to delete with empty key ID",
			keyID:     "",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Delete(ctx, tt.keyID)

			if tt.expectErr {
				if err == nil {
					t.Error("Delete() expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("Delete() unexpected error: %v", err)
				}

				// Soft delete: key must no longer authenticate
				_, found := store.FindByKey(ctx, testKey.Key)
				if found {
					t.Error("Delete() key still found after deletion")
				}
			}
		})
	}
}

func TestPersistentKeyStoreListByClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error = %v", err)
	}

	defer func() {
		_ = store.Close()
	}()

	// Setup: Add multiple test keys for different clients
	testKeys := []*APIKey{
		{
			ID:          "list-test-1",
			Key:         "runlens_ak_listtest14567890abcdef1234567890abcdef1234567890abcdef12345671",
			ClientID:    "agent-sdk",
			Name:        "Agent SDK Key 1",
			Permissions: []string{"runs:read"},
			Active:      true,
		},
		{
			ID:          "list-test-2",
			Key:         "runlens_ak_listtest24567890abcdef1234567890abcdef1234567890abcdef12345672",
			ClientID:    "agent-sdk",
			Name:        "Agent SDK Key 2",
			Permissions: []string{"runs:read", "runs:write"},
			Active:      true,
		},
		{
			ID:          "list-test-3",
			Key:         "runlens_ak_listtest34567890abcdef1234567890abcdef1234567890abcdef12345673",
			ClientID:    "otel-collector",
			Name:        "Collector Key 1",
			Permissions: []string{"runs:read"},
			Active:      true,
		},
		{
			ID:          "list-test-4",
			Key:         "runlens_ak_listtest44567890abcdef1234567890abcdef1234567890abcdef12345674",
			ClientID:    "agent-sdk",
			Name:        "Agent SDK Key 3 (Inactive)",
			Permissions: []string{"runs:read"},
			Active:      false,
		},
	}

	for _, key := range testKeys {
		if err := store.Add(ctx, key); err != nil {
			t.Fatalf("failed to add test key %s: %v", key.ID, err)
		}
	}

	tests := []struct {
		name      string
		clientID  string
		wantCount int
		expectErr bool
	}{
		{
			name:      "lists all active keys for agent-sdk",
			clientID:  "agent-sdk",
			wantCount: 2, // Only active keys
			expectErr: false,
		},
		{
			name:      "lists all active keys for otel-collector",
			clientID:  "otel-collector",
			wantCount: 1,
			expectErr: false,
		},
		{
			name:      "returns empty list for client with no keys",
			clientID:  "non-existent-client",
			wantCount: 0,
			expectErr: false,
		},
		{
			name:      "fails with empty client ID",
			clientID:  "",
			wantCount: 0,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := store.ListByClient(ctx, tt.clientID)

			if tt.expectErr {
				if err == nil {
					t.Error("ListByClient() expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("ListByClient() unexpected error: %v", err)
				}

				if len(keys) != tt.wantCount {
					t.Errorf("ListByClient() returned %d keys, want %d", len(keys), tt.wantCount)
				}
			}
		})
	}
}
