// Package core is the read/write surface API layers build on: submitting
// queries and reading back what the pipelines produced.
package core

import (
	"context"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/panoptic"
	"github.com/Luismorlan/communitymux/protocol"
	"github.com/Luismorlan/communitymux/tracking"
	. "github.com/Luismorlan/communitymux/utils/log"
)

var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrInvalidSubscriber = errors.New("invalid subscriber")
	ErrNotFound          = errors.New("not found")
)

const DefaultScrapeHistoryLimit = 50

// Tracking is the part of tracking.Registry the service writes through.
type Tracking interface {
	Enable(ctx context.Context, communityId string, cadence time.Duration) (model.TrackingSubscription, error)
	Disable(ctx context.Context, communityId string) error
	Get(communityId string) (model.TrackingSubscription, bool)
}

type Service struct {
	db       *gorm.DB
	bus      message.Publisher
	tracking Tracking
}

func NewService(db *gorm.DB, bus message.Publisher, tracking Tracking) *Service {
	return &Service{db: db, bus: bus, tracking: tracking}
}

// QueryStatus is what a caller polls while a query runs.
type QueryStatus struct {
	Id           string            `json:"id"`
	RawText      string            `json:"raw_text"`
	Status       model.QueryStatus `json:"status"`
	Topics       []string          `json:"topics"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Accepted     int64             `json:"accepted"`
	Rejected     int64             `json:"rejected"`
}

// CommunityView is a community accepted for a query.
type CommunityView struct {
	model.Community
	Confidence float64 `json:"confidence"`
	Tracked    bool    `json:"tracked"`
}

// SubmitQuery stores a new pending query and announces it to the query
// orchestrator. The pipeline runs asynchronously.
func (s *Service) SubmitQuery(ctx context.Context, text string) (*model.Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.Wrap(ErrInvalidQuery, "query text is empty")
	}
	if utf8.RuneCountInString(text) > model.MaxQueryTextLength {
		return nil, errors.Wrapf(ErrInvalidQuery, "query text longer than %d characters", model.MaxQueryTextLength)
	}

	query := &model.Query{
		Id:      uuid.New().String(),
		RawText: text,
		Status:  model.QueryStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(query).Error; err != nil {
		return nil, errors.Wrap(err, "fail to create query")
	}
	// A lost event is recovered when the orchestrator resumes unfinished
	// queries, so publishing failures don't fail the submission.
	if err := panoptic.PublishEvent(s.bus, protocol.TopicQuerySubmitted, protocol.QuerySubmittedEvent{QueryId: query.Id}); err != nil {
		Log.WithField("query_id", query.Id).Errorln("fail to publish submitted query:", err)
	}
	return query, nil
}

func (s *Service) GetQueryStatus(ctx context.Context, queryId string) (*QueryStatus, error) {
	var query model.Query
	if err := s.first(ctx, &query, queryId, "query"); err != nil {
		return nil, err
	}
	status := &QueryStatus{
		Id:           query.Id,
		RawText:      query.RawText,
		Status:       query.Status,
		Topics:       query.TopicList(),
		ErrorMessage: query.ErrorMessage,
		CreatedAt:    query.CreatedAt,
		CompletedAt:  query.CompletedAt,
	}
	if status.Topics == nil {
		status.Topics = []string{}
	}
	verdicts := s.db.WithContext(ctx).Model(&model.CandidateVerdict{}).Where("query_id = ?", queryId)
	if err := verdicts.Session(&gorm.Session{}).Where("state = ?", model.CandidateAccepted).Count(&status.Accepted).Error; err != nil {
		return nil, err
	}
	if err := verdicts.Session(&gorm.Session{}).Where("state = ?", model.CandidateRejected).Count(&status.Rejected).Error; err != nil {
		return nil, err
	}
	return status, nil
}

// ListCommunities returns the communities accepted for queryId, most relevant
// first.
func (s *Service) ListCommunities(ctx context.Context, queryId string) ([]CommunityView, error) {
	var query model.Query
	if err := s.first(ctx, &query, queryId, "query"); err != nil {
		return nil, err
	}

	var rows []struct {
		model.Community
		Confidence float64
	}
	err := s.db.WithContext(ctx).
		Table("communities").
		Select("communities.*, candidate_verdicts.confidence AS confidence").
		Joins("JOIN candidate_verdicts ON candidate_verdicts.community_id = communities.id").
		Where("candidate_verdicts.query_id = ? AND candidate_verdicts.state = ?", queryId, model.CandidateAccepted).
		Order("candidate_verdicts.confidence DESC, communities.platform_id").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "fail to list communities")
	}

	views := make([]CommunityView, 0, len(rows))
	for _, row := range rows {
		view := CommunityView{Community: row.Community, Confidence: row.Confidence}
		if sub, ok := s.tracking.Get(row.Id); ok {
			view.Tracked = sub.Enabled
		}
		views = append(views, view)
	}
	return views, nil
}

// SetTracking turns the background scrape of a community on or off.
func (s *Service) SetTracking(ctx context.Context, communityId string, enabled bool) (model.TrackingSubscription, error) {
	var community model.Community
	if err := s.first(ctx, &community, communityId, "community"); err != nil {
		return model.TrackingSubscription{}, err
	}
	if enabled {
		return s.tracking.Enable(ctx, communityId, 0)
	}
	if err := s.tracking.Disable(ctx, communityId); err != nil {
		if errors.Is(err, tracking.ErrSubscriptionNotFound) {
			return model.TrackingSubscription{CommunityId: communityId}, nil
		}
		return model.TrackingSubscription{}, err
	}
	sub, _ := s.tracking.Get(communityId)
	return sub, nil
}

// GetScrapeHistory returns the latest ScrapeRuns of a community, newest
// first. A non-positive limit means DefaultScrapeHistoryLimit.
func (s *Service) GetScrapeHistory(ctx context.Context, communityId string, limit int) ([]model.ScrapeRun, error) {
	var community model.Community
	if err := s.first(ctx, &community, communityId, "community"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultScrapeHistoryLimit
	}
	runs := []model.ScrapeRun{}
	err := s.db.WithContext(ctx).
		Where("community_id = ?", communityId).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// RegisterSubscriber adds a webhook receiving new content notifications.
// Registering a known URL enables it again.
func (s *Service) RegisterSubscriber(ctx context.Context, kind model.SubscriberKind, rawURL string) (*model.Subscriber, error) {
	if kind == "" {
		kind = model.SubscriberKindWebhook
	}
	if kind != model.SubscriberKindWebhook && kind != model.SubscriberKindSlack {
		return nil, errors.Wrapf(ErrInvalidSubscriber, "unknown kind %q", kind)
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errors.Wrapf(ErrInvalidSubscriber, "bad url %q", rawURL)
	}

	sub := &model.Subscriber{
		Id:      uuid.New().String(),
		Kind:    kind,
		URL:     parsed.String(),
		Enabled: true,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "enabled"}),
	}).Create(sub).Error
	if err != nil {
		return nil, errors.Wrap(err, "fail to register subscriber")
	}
	// On conflict the row keeps its original id.
	if err := s.db.WithContext(ctx).Where("url = ?", sub.URL).First(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) first(ctx context.Context, dest interface{}, id string, what string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	return err
}
