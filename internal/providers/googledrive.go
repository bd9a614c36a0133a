package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"

	"example.com/carbonlens/internal/domain"
)

const (
	PassFiles = "files"

	driveMaxPageSize = 1000
	driveFileFields  = "id, name, mimeType, size, createdTime, modifiedTime"
	bytesPerMiB      = 1024 * 1024
	bytesPerGiB      = 1024 * 1024 * 1024
)

// GoogleDriveAdapter syncs recently modified Drive files as storage activity.
type GoogleDriveAdapter struct {
	opts GoogleOptions
	now  func() time.Time
}

// NewGoogleDriveAdapter constructs a GoogleDriveAdapter.
func NewGoogleDriveAdapter(opts GoogleOptions) *GoogleDriveAdapter {
	return &GoogleDriveAdapter{opts: opts, now: time.Now}
}

func (a *GoogleDriveAdapter) Provider() domain.Provider { return domain.ProviderGoogleDrive }
func (a *GoogleDriveAdapter) Family() string { return domain.FamilyGoogle }
func (a *GoogleDriveAdapter) ExternalIDField() string { return "google_drive_file_id" }

// Open builds a Drive service bound to the credential's access token.
func (a *GoogleDriveAdapter) Open(ctx context.Context, cred domain.Credential) (Session, error) {
	svc, err := drive.NewService(ctx, a.opts.clientOptions(ctx, cred, "/drive/v3/")...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return &driveSession{svc: svc, cred: cred, now: a.now}, nil
}

type driveSession struct {
	svc  *drive.Service
	cred domain.Credential
	now  func() time.Time

	quotaOnce sync.Once
	quotaGB   float64
	quotaErr  error
}

func (s *driveSession) Passes() []string { return []string{PassFiles} }

func (s *driveSession) List(ctx context.Context, pass string, since time.Time, pageToken string, pageSize int) (Page, error) {
	query := fmt.Sprintf("modifiedTime >= '%s' and trashed = false", since.UTC().Format(time.RFC3339))
	call := s.svc.Files.List().
		Q(query).
		PageSize(int64(capPageSize(pageSize, driveMaxPageSize))).
		Fields("nextPageToken, files(id)").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return Page{}, googleError(domain.ProviderGoogleDrive, err)
	}
	page := Page{NextPageToken: resp.NextPageToken}
	for _, file := range resp.Files {
		if file != nil && file.Id != "" {
			page.Refs = append(page.Refs, EventRef{ID: file.Id, Pass: pass})
		}
	}
	return page, nil
}

// quota reads the account storage limit once per session.
func (s *driveSession) quota(ctx context.Context) (float64, error) {
	s.quotaOnce.Do(func() {
		about, err := s.svc.About.Get().Fields("storageQuota").Context(ctx).Do()
		if err != nil {
			s.quotaErr = googleError(domain.ProviderGoogleDrive, err)
			return
		}
		if about.StorageQuota != nil {
			s.quotaGB = float64(about.StorageQuota.Limit) / bytesPerGiB
		}
	})
	return s.quotaGB, s.quotaErr
}

func (s *driveSession) Fetch(ctx context.Context, ref EventRef) (domain.RawPayload, error) {
	totalGB, err := s.quota(ctx)
	if err != nil {
		return nil, err
	}
	file, err := s.svc.Files.Get(ref.ID).Fields(driveFileFields).Context(ctx).Do()
	if err != nil {
		return nil, googleError(domain.ProviderGoogleDrive, err)
	}
	return mapStorageFile(storageFile{
		ID:       file.Id,
		Name:     file.Name,
		MimeType: file.MimeType,
		Size:     file.Size,
		Created:  file.CreatedTime,
		Modified: file.ModifiedTime,
	}, domain.ProviderGoogleDrive, totalGB, s.now(), s.cred)
}

// storageFile is the provider-neutral view of a stored file.
type storageFile struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	Created  string
	Modified string
}

var storageIDFields = map[domain.Provider]string{
	domain.ProviderGoogleDrive: "google_drive_file_id",
	domain.ProviderOneDrive:    "onedrive_file_id",
}

var storageSources = map[domain.Provider]string{
	domain.ProviderGoogleDrive: "google_drive_sync",
	domain.ProviderOneDrive:    "onedrive_sync",
}

func mapStorageFile(file storageFile, provider domain.Provider, totalGB float64, now time.Time, cred domain.Credential) (domain.RawPayload, error) {
	modified, err := parseProviderTime(file.Modified)
	if err != nil {
		return nil, fmt.Errorf("file %s modified time: %w", file.ID, err)
	}
	daysStored := 0
	if created, err := parseProviderTime(file.Created); err == nil && now.After(created) {
		daysStored = int(now.Sub(created).Hours() / 24)
	}

	raw := basePayload(domain.ActivityStorage, provider, modified, cred)
	raw["action"] = "upload"
	raw["sizeMb"] = float64(file.Size) / bytesPerMiB
	raw["totalStorageGb"] = totalGB
	raw["daysStored"] = daysStored
	raw["metadata"] = map[string]any{
		"source":                  storageSources[provider],
		storageIDFields[provider]: file.ID,
		"account_email":           cred.UserEmail,
		"file_name":               file.Name,
		"mime_type":               file.MimeType,
	}
	return raw, nil
}

var providerTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// parseProviderTime accepts RFC 3339 and the offset-less form Graph uses with an explicit timeZone.
func parseProviderTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range providerTimeLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
