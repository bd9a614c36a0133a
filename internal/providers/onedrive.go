package providers

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"example.com/carbonlens/internal/domain"
)

const oneDriveSelect = "id,name,size,createdDateTime,lastModifiedDateTime,file"

// OneDriveAdapter syncs recently modified OneDrive files as storage activity.
type OneDriveAdapter struct {
	opts GraphOptions
	now  func() time.Time
}

// NewOneDriveAdapter constructs a OneDriveAdapter.
func NewOneDriveAdapter(opts GraphOptions) *OneDriveAdapter {
	return &OneDriveAdapter{opts: opts, now: time.Now}
}

func (a *OneDriveAdapter) Provider() domain.Provider { return domain.ProviderOneDrive }
func (a *OneDriveAdapter) Family() string { return domain.FamilyMicrosoft }
func (a *OneDriveAdapter) ExternalIDField() string { return "onedrive_file_id" }

func (a *OneDriveAdapter) Open(_ context.Context, cred domain.Credential) (Session, error) {
	return &oneDriveSession{client: newGraphClient(domain.ProviderOneDrive, a.opts, cred.AccessToken), cred: cred, now: a.now}, nil
}

type oneDriveSession struct {
	client *graphClient
	cred   domain.Credential
	now    func() time.Time

	quotaOnce sync.Once
	quotaGB   float64
	quotaErr  error
}

type driveItem struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Size                 int64  `json:"size"`
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

func (s *oneDriveSession) Passes() []string { return []string{PassFiles} }

// List walks the drive root. Graph cannot filter children by modification time, so items are filtered here.
func (s *oneDriveSession) List(ctx context.Context, pass string, since time.Time, pageToken string, pageSize int) (Page, error) {
	var resp graphCollection[driveItem]
	if pageToken != "" {
		if err := s.client.get(ctx, pageToken, nil, &resp); err != nil {
			return Page{}, err
		}
	} else {
		query := url.Values{}
		query.Set("$top", strconv.Itoa(capPageSize(pageSize, graphMaxPageSize)))
		query.Set("$select", oneDriveSelect)
		if err := s.client.get(ctx, "/me/drive/root/children", query, &resp); err != nil {
			return Page{}, err
		}
	}
	page := Page{NextPageToken: resp.NextLink}
	for _, item := range resp.Value {
		if item.ID == "" || item.File == nil {
			continue
		}
		modified, err := parseProviderTime(item.LastModifiedDateTime)
		if err != nil || modified.Before(since) {
			continue
		}
		page.Refs = append(page.Refs, EventRef{ID: item.ID, Pass: pass})
	}
	return page, nil
}

func (s *oneDriveSession) quota(ctx context.Context) (float64, error) {
	s.quotaOnce.Do(func() {
		var drive struct {
			Quota struct {
				Total int64 `json:"total"`
			} `json:"quota"`
		}
		if err := s.client.get(ctx, "/me/drive", nil, &drive); err != nil {
			s.quotaErr = err
			return
		}
		s.quotaGB = float64(drive.Quota.Total) / bytesPerGiB
	})
	return s.quotaGB, s.quotaErr
}

func (s *oneDriveSession) Fetch(ctx context.Context, ref EventRef) (domain.RawPayload, error) {
	totalGB, err := s.quota(ctx)
	if err != nil {
		return nil, err
	}
	var item driveItem
	if err := s.client.get(ctx, "/me/drive/items/"+url.PathEscape(ref.ID), url.Values{"$select": []string{oneDriveSelect}}, &item); err != nil {
		return nil, err
	}
	mimeType := ""
	if item.File != nil {
		mimeType = item.File.MimeType
	}
	return mapStorageFile(storageFile{
		ID:       ref.ID,
		Name:     item.Name,
		MimeType: mimeType,
		Size:     item.Size,
		Created:  item.CreatedDateTime,
		Modified: item.LastModifiedDateTime,
	}, domain.ProviderOneDrive, totalGB, s.now(), s.cred)
}
