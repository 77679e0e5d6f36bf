package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const (
	// PendingKey is a sorted set of failed user ids scored by their last failure time.
	PendingKey = "statfix:failed_users"
	// DetailsKey is a hash mapping a failed user id to its Entry as JSON.
	DetailsKey = "statfix:failed_users:details"
)

// ErrEmptyBatch is returned when there is nothing to add.
var ErrEmptyBatch = errors.New("no entries to queue")

// Entry describes a user whose reconciliation failed.
type Entry struct {
	UserID   int64     `json:"userId"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
	Attempts int       `json:"attempts"`
}

// Manager keeps the users left to re-run in redis so a later run can pick them up.
type Manager struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewManager creates a queue manager on the given client.
func NewManager(client rueidis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		logger: logger.Named("queue"),
	}
}

// Add queues the given entries. A user already queued keeps one entry with its
// attempt counter increased.
func (m *Manager) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyBatch
	}

	fields := make([]string, 0, len(entries))
	for _, entry := range entries {
		fields = append(fields, strconv.FormatInt(entry.UserID, 10))
	}

	existing, err := m.details(ctx, fields)
	if err != nil {
		return err
	}

	zadd := m.client.B().Zadd().Key(PendingKey).ScoreMember()
	hset := m.client.B().Hset().Key(DetailsKey).FieldValue()

	for i, entry := range entries {
		entry.Attempts = 1
		if previous, ok := existing[entry.UserID]; ok {
			entry.Attempts = previous.Attempts + 1
		}

		entryJSON, err := sonic.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal queue entry: %w", err)
		}

		zadd = zadd.ScoreMember(float64(entry.FailedAt.Unix()), fields[i])
		hset = hset.FieldValue(fields[i], string(entryJSON))
	}

	for _, resp := range m.client.DoMulti(ctx, zadd.Build(), hset.Build()) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to queue users: %w", err)
		}
	}

	m.logger.Info("Queued failed users", zap.Int("count", len(entries)))

	return nil
}

// Len returns the number of queued users.
func (m *Manager) Len(ctx context.Context) (int64, error) {
	count, err := m.client.Do(ctx, m.client.B().Zcard().Key(PendingKey).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}

	return count, nil
}

// UserIDs returns every queued user id, oldest failure first.
func (m *Manager) UserIDs(ctx context.Context) ([]int64, error) {
	members, err := m.client.Do(ctx,
		m.client.B().Zrange().Key(PendingKey).Min("0").Max("-1").Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get queued users: %w", err)
	}

	ids := make([]int64, 0, len(members))

	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			m.logger.Warn("Skipping malformed queue member", zap.String("member", member))
			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// List returns up to limit queued entries, oldest failure first.
func (m *Manager) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	members, err := m.client.Do(ctx,
		m.client.B().Zrange().Key(PendingKey).Min("0").Max(strconv.Itoa(limit-1)).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get queued users: %w", err)
	}

	details, err := m.details(ctx, members)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(members))

	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}

		if entry, ok := details[id]; ok {
			entries = append(entries, entry)
		} else {
			entries = append(entries, &Entry{UserID: id})
		}
	}

	return entries, nil
}

// Remove drops the given users from the queue.
func (m *Manager) Remove(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	members := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		members = append(members, strconv.FormatInt(id, 10))
	}

	for _, resp := range m.client.DoMulti(ctx,
		m.client.B().Zrem().Key(PendingKey).Member(members...).Build(),
		m.client.B().Hdel().Key(DetailsKey).Field(members...).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to remove queued users: %w", err)
		}
	}

	return nil
}

// details loads the stored entries of the given members.
func (m *Manager) details(ctx context.Context, members []string) (map[int64]*Entry, error) {
	result := make(map[int64]*Entry, len(members))
	if len(members) == 0 {
		return result, nil
	}

	values, err := m.client.Do(ctx, m.client.B().Hmget().Key(DetailsKey).Field(members...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get queue details: %w", err)
	}

	for _, value := range values {
		raw, err := value.ToString()
		if err != nil {
			// Missing field
			continue
		}

		var entry Entry
		if err := sonic.Unmarshal([]byte(raw), &entry); err != nil {
			m.logger.Warn("Skipping malformed queue entry", zap.Error(err))
			continue
		}

		result[entry.UserID] = &entry
	}

	return result, nil
}
