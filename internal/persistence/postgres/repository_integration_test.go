//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/testsupport"
)

func newIntegrationStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := testsupport.StartPostgres(t)
	return NewStore(pool), pool
}

func sampleDocument(external *domain.ExternalRef) domain.ActivityDocument {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.ActivityDocument{
		ID: uuid.NewString(),
		Activity: domain.NormalizedActivity{
			ActivityType:     domain.ActivityEmail,
			Provider:         domain.ProviderGmail,
			Timestamp:        now,
			Mode:             "sync",
			ExtensionVersion: "api-sync",
			UserID:           "u-1",
			UserEmail:        "owner@example.com",
			Payload: domain.Payload{Email: &domain.EmailPayload{
				Subject:         "status",
				Recipients:      []string{"a@example.com"},
				AttachmentBytes: 2_000_000,
				Direction:       "outbound",
			}},
			Metadata: map[string]any{"source": "gmail_api_sync"},
		},
		EmissionKg: 0.00904,
		External:   external,
		RawPayload: []byte(`{"activityType":"email"}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestStoreInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	store, pool := newIntegrationStore(t)

	doc := sampleDocument(&domain.ExternalRef{Field: "gmail_message_id", Value: "m-1"})
	id, err := store.InsertActivity(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, doc.ID, id)

	stored, err := store.GetActivity(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, doc.Activity.Payload.Email.Recipients, stored.Activity.Payload.Email.Recipients)
	require.Equal(t, "gmail_api_sync", stored.Activity.Metadata["source"])

	found, err := store.FindByExternalID(ctx, "gmail_message_id", "m-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, id, found.ID)

	_, err = store.InsertActivity(ctx, sampleDocument(&domain.ExternalRef{Field: "gmail_message_id", Value: "m-1"}))
	require.ErrorIs(t, err, domain.ErrDuplicateExternalID)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE aggregate_id=$1`, id).Scan(&outboxRows))
	require.Equal(t, 1, outboxRows)
}

func TestStoreListPagination(t *testing.T) {
	ctx := context.Background()
	store, _ := newIntegrationStore(t)

	for i := 0; i < 5; i++ {
		doc := sampleDocument(nil)
		doc.Activity.Timestamp = doc.Activity.Timestamp.Add(time.Duration(i) * time.Minute)
		_, err := store.InsertActivity(ctx, doc)
		require.NoError(t, err)
	}

	filter := domain.ActivityFilter{UserEmail: "OWNER@example.com"}
	first, cursor, err := store.ListActivities(ctx, filter, nil, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.NotNil(t, cursor)
	require.True(t, first[0].Activity.Timestamp.After(first[1].Activity.Timestamp))

	second, _, err := store.ListActivities(ctx, filter, cursor, 3)
	require.NoError(t, err)
	require.Len(t, second, 2)
}

func TestStoreConcurrentTotals(t *testing.T) {
	ctx := context.Background()
	store, _ := newIntegrationStore(t)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.UpdateUserTotals(ctx, "owner@example.com", func(current domain.UserTotals) domain.UserTotals {
				current.ActivityCount++
				current.TotalEmissionKg += 0.5
				current.UpdatedAt = time.Now().UTC()
				return current
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	totals, err := store.GetUserTotals(ctx, "owner@example.com")
	require.NoError(t, err)
	require.NotNil(t, totals)
	require.EqualValues(t, writers, totals.ActivityCount)
	require.InDelta(t, writers*0.5, totals.TotalEmissionKg, 1e-9)
}

func TestStoreResolveCredential(t *testing.T) {
	ctx := context.Background()
	store, _ := newIntegrationStore(t)

	require.NoError(t, store.PutCredential(ctx, domain.Credential{
		UserID:      "u-1",
		UserEmail:   "Owner@Example.com",
		Family:      domain.FamilyGoogle,
		AccessToken: "tok",
		Scopes:      []string{"gmail.readonly"},
	}))

	byID, err := store.ResolveCredential(ctx, "u-1", domain.FamilyGoogle)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.Equal(t, "tok", byID.AccessToken)

	byEmail, err := store.ResolveCredential(ctx, "owner@example.com", domain.FamilyGoogle)
	require.NoError(t, err)
	require.NotNil(t, byEmail)

	missing, err := store.ResolveCredential(ctx, "u-1", domain.FamilyMicrosoft)
	require.NoError(t, err)
	require.Nil(t, missing)

	ids, err := store.ListIdentities(ctx, domain.FamilyGoogle)
	require.NoError(t, err)
	require.Equal(t, []string{"u-1"}, ids)
}
