package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/pkg/smtpclient"
)

// memStore is an in-memory stand-in for the PostgreSQL repositories. It
// mirrors the row-level guards of the real store so dispatcher scenarios can
// run end to end without a database.
type memStore struct {
	mu sync.Mutex

	nextID   int64
	requests map[int64]*domain.Request
	entries  map[int64]map[int64]*domain.QueueEntry // request id -> recipient id
	parties  map[int64]*domain.Party
	members  map[int64][]int64

	job      domain.DispatchJob
	lockBusy bool
}

func newMemStore() *memStore {
	return &memStore{
		nextID:   1000,
		requests: make(map[int64]*domain.Request),
		entries:  make(map[int64]map[int64]*domain.QueueEntry),
		parties:  make(map[int64]*domain.Party),
		members:  make(map[int64][]int64),
	}
}

func (s *memStore) addParty(id int64, email string) {
	p := &domain.Party{ID: id, Name: fmt.Sprintf("party-%d", id), Kind: domain.PartyKindIndividual}
	if email != "" {
		p.Email = &email
	}
	s.parties[id] = p
}

func (s *memStore) addGroup(id int64, email string, memberIDs ...int64) {
	s.addParty(id, email)
	s.parties[id].Kind = domain.PartyKindGroup
	s.members[id] = memberIDs
}

var (
	_ domain.RequestRepository = (*memStore)(nil)
	_ domain.QueueRepository   = (*memStore)(nil)
	_ domain.JobRepository     = (*memStore)(nil)
	_ domain.PartyDirectory    = (*memStore)(nil)
)

// --- RequestRepository ---

func (s *memStore) Create(ctx context.Context, input *domain.CreateRequestInput) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.MaxRetries == nil {
		return 0, domain.NewValidationError("max_retries is not set")
	}

	id := s.nextID
	s.nextID++
	s.requests[id] = &domain.Request{
		ID:          id,
		PartyFrom:   input.PartyFrom,
		PartyTo:     input.PartyTo,
		ExpandGroup: input.ExpandGroup,
		Subject:     input.Subject,
		Message:     input.Message,
		Status:      domain.RequestStatusPending,
		MaxRetries:  *input.MaxRetries,
		RequestDate: time.Now().UTC(),
	}
	return id, nil
}

func (s *memStore) GetByID(ctx context.Context, id int64) (*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "request", ID: fmt.Sprintf("%d", id)}
	}
	cp := *req
	return &cp, nil
}

func (s *memStore) ListPending(ctx context.Context) ([]*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.Request
	for _, req := range s.requests {
		if req.Status == domain.RequestStatusPending {
			cp := *req
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memStore) MarkSending(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if req, ok := s.requests[id]; ok && req.Status == domain.RequestStatusPending {
			req.Status = domain.RequestStatusSending
		}
	}
	return nil
}

func (s *memStore) Cancel(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return &domain.ErrNotFound{Entity: "request", ID: fmt.Sprintf("%d", id)}
	}

	for _, entry := range s.entries[id] {
		entry.IsSuccessful = false
		entry.RetryCount = req.MaxRetries + 1
	}

	if !req.Status.IsTerminal() {
		req.Status = domain.RequestStatusCancelled
		now := time.Now().UTC()
		req.FulfillDate = &now
	}
	return nil
}

func (s *memStore) Reconcile(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, req := range s.requests {
		if req.Status != domain.RequestStatusSending {
			continue
		}

		rows := s.entries[id]
		allDelivered := true
		anyDelivered := false
		anyRetryable := false
		for _, entry := range rows {
			if entry.IsSuccessful {
				anyDelivered = true
			} else {
				allDelivered = false
				if entry.RetryCount < req.MaxRetries {
					anyRetryable = true
				}
			}
		}

		switch {
		case len(rows) > 0 && allDelivered:
			req.Status = domain.RequestStatusSent
			t := now
			req.FulfillDate = &t
		case len(rows) > 0 && !anyDelivered && !anyRetryable:
			req.Status = domain.RequestStatusFailed
		case anyDelivered && !anyRetryable:
			req.Status = domain.RequestStatusPartialFailure
			t := now
			req.FulfillDate = &t
		}
	}
	return nil
}

func (s *memStore) HasActive(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.Status == domain.RequestStatusPending || req.Status == domain.RequestStatusSending {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MessageReader(ctx context.Context, id int64) io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()

	var message string
	if req, ok := s.requests[id]; ok {
		message = req.Message
	}
	return io.NopCloser(strings.NewReader(message))
}

func (s *memStore) Stats(ctx context.Context) (*domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.QueueStats
	for _, req := range s.requests {
		switch req.Status {
		case domain.RequestStatusPending:
			stats.Pending++
		case domain.RequestStatusSending:
			stats.Sending++
		case domain.RequestStatusSent:
			stats.Sent++
		case domain.RequestStatusPartialFailure:
			stats.PartialFailure++
		case domain.RequestStatusFailed:
			stats.Failed++
		case domain.RequestStatusCancelled:
			stats.Cancelled++
		}
	}
	for id, rows := range s.entries {
		req := s.requests[id]
		for _, entry := range rows {
			switch {
			case entry.IsSuccessful:
				stats.DeliveredEntries++
			case req != nil && entry.RetryCount < req.MaxRetries:
				stats.RetryableEntries++
			default:
				stats.ExhaustedEntries++
			}
		}
	}
	return &stats, nil
}

// --- QueueRepository ---

func (s *memStore) InsertEntries(ctx context.Context, entries []*domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		rows, ok := s.entries[entry.RequestID]
		if !ok {
			rows = make(map[int64]*domain.QueueEntry)
			s.entries[entry.RequestID] = rows
		}
		if _, exists := rows[entry.PartyTo]; exists {
			continue
		}
		cp := *entry
		rows[entry.PartyTo] = &cp
	}
	return nil
}

func (s *memStore) ListDeliverable(ctx context.Context) ([]*domain.DeliverableRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.DeliverableRow
	for id, rows := range s.entries {
		req := s.requests[id]
		if req == nil || req.Status != domain.RequestStatusSending {
			continue
		}
		for _, entry := range rows {
			if entry.IsSuccessful || entry.RetryCount >= req.MaxRetries {
				continue
			}
			recipient, ok := s.parties[entry.PartyTo]
			if !ok || recipient.Email == nil {
				continue
			}

			row := &domain.DeliverableRow{
				RequestID:      id,
				PartyTo:        entry.PartyTo,
				PartyFrom:      req.PartyFrom,
				RecipientEmail: *recipient.Email,
				Subject:        req.Subject,
				RequestDate:    req.RequestDate,
				RetryCount:     entry.RetryCount,
				MaxRetries:     req.MaxRetries,
			}
			if sender, ok := s.parties[req.PartyFrom]; ok && sender.Email != nil {
				row.SenderEmail = sender.Email
			}
			result = append(result, row)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].PartyFrom != result[j].PartyFrom {
			return result[i].PartyFrom < result[j].PartyFrom
		}
		if result[i].PartyTo != result[j].PartyTo {
			return result[i].PartyTo < result[j].PartyTo
		}
		return result[i].RequestID < result[j].RequestID
	})
	return result, nil
}

func (s *memStore) guardedEntry(requestID, partyTo int64) *domain.QueueEntry {
	req := s.requests[requestID]
	if req == nil || req.Status != domain.RequestStatusSending {
		return nil
	}
	entry := s.entries[requestID][partyTo]
	if entry == nil || entry.IsSuccessful || entry.RetryCount >= req.MaxRetries {
		return nil
	}
	return entry
}

func (s *memStore) MarkDelivered(ctx context.Context, requestID, partyTo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry := s.guardedEntry(requestID, partyTo); entry != nil {
		entry.IsSuccessful = true
	}
	return nil
}

func (s *memStore) MarkAttemptFailed(ctx context.Context, requestID, partyTo int64, replyCode int, replyMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry := s.guardedEntry(requestID, partyTo); entry != nil {
		entry.RetryCount++
		entry.SMTPReplyCode = &replyCode
		entry.SMTPReplyMessage = &replyMessage
	}
	return nil
}

func (s *memStore) BulkRetryFailure(ctx context.Context, replyCode int, replyMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rows := range s.entries {
		req := s.requests[id]
		if req == nil || req.Status != domain.RequestStatusSending {
			continue
		}
		for _, entry := range rows {
			if entry.IsSuccessful || entry.RetryCount >= req.MaxRetries {
				continue
			}
			entry.RetryCount++
			entry.SMTPReplyCode = &replyCode
			entry.SMTPReplyMessage = &replyMessage
		}
	}
	return nil
}

func (s *memStore) ListByRequest(ctx context.Context, requestID int64) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*domain.QueueEntry
	for _, entry := range s.entries[requestID] {
		cp := *entry
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PartyTo < entries[j].PartyTo })
	return entries, nil
}

// --- JobRepository ---

func (s *memStore) Get(ctx context.Context) (*domain.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.job
	return &cp, nil
}

func (s *memStore) SetLastRun(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.job.LastRunDate = &t
	return nil
}

func (s *memStore) SetJobID(ctx context.Context, jobID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.job.JobID = jobID
	s.job.LastRunDate = nil
	return nil
}

func (s *memStore) AcquireRunLock(ctx context.Context) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockBusy {
		return nil, false, nil
	}
	return func() {}, true, nil
}

// --- PartyDirectory ---

func (s *memStore) Resolve(ctx context.Context, id int64) (*domain.Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, ok := s.parties[id]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "party", ID: fmt.Sprintf("%d", id)}
	}
	cp := *party
	return &cp, nil
}

func (s *memStore) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int64(nil), s.members[groupID]...), nil
}

// fakeSession scripts SMTP replies and records the operations driven through
// it. Replies default to success; override maps redirect individual steps.
type fakeSession struct {
	ops []string

	mailReplies map[string]smtpclient.Reply // sender -> reply, default 250
	rcptReplies map[string]smtpclient.Reply // recipient -> reply, default 250
	rcptErrs    map[string]error
	dataReply   *smtpclient.Reply
	closeReply  *smtpclient.Reply
	closed      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		mailReplies: make(map[string]smtpclient.Reply),
		rcptReplies: make(map[string]smtpclient.Reply),
		rcptErrs:    make(map[string]error),
	}
}

func (f *fakeSession) MailFrom(email string) (smtpclient.Reply, error) {
	f.ops = append(f.ops, "MAIL FROM:"+email)
	if reply, ok := f.mailReplies[email]; ok {
		return reply, nil
	}
	return smtpclient.Reply{Code: 250, Text: "OK"}, nil
}

func (f *fakeSession) RcptTo(email string) (smtpclient.Reply, error) {
	f.ops = append(f.ops, "RCPT TO:"+email)
	if err, ok := f.rcptErrs[email]; ok {
		return smtpclient.Reply{}, err
	}
	if reply, ok := f.rcptReplies[email]; ok {
		return reply, nil
	}
	return smtpclient.Reply{Code: 250, Text: "OK"}, nil
}

func (f *fakeSession) OpenData() (smtpclient.Reply, error) {
	f.ops = append(f.ops, "DATA")
	if f.dataReply != nil {
		return *f.dataReply, nil
	}
	return smtpclient.Reply{Code: 354, Text: "go ahead"}, nil
}

func (f *fakeSession) WriteHeaders(from, to, subject string, date time.Time) error {
	f.ops = append(f.ops, fmt.Sprintf("HEADERS %s -> %s: %s", from, to, subject))
	return nil
}

func (f *fakeSession) WriteString(s string) error {
	f.ops = append(f.ops, "TEXT "+s)
	return nil
}

func (f *fakeSession) WriteChunks(body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.ops = append(f.ops, "BODY "+string(data))
	return nil
}

func (f *fakeSession) CloseData() (smtpclient.Reply, error) {
	f.ops = append(f.ops, "END DATA")
	if f.closeReply != nil {
		return *f.closeReply, nil
	}
	return smtpclient.Reply{Code: 250, Text: "queued"}, nil
}

func (f *fakeSession) Close() {
	f.closed = true
}

// countOps counts recorded operations with the given prefix.
func (f *fakeSession) countOps(prefix string) int {
	n := 0
	for _, op := range f.ops {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

// fakeDialer returns the given session with a 250 open reply, counting calls.
type fakeDialer struct {
	sess  *fakeSession
	reply smtpclient.Reply
	err   error
	calls int
}

func (d *fakeDialer) dial(host string, port int) (smtpclient.Session, smtpclient.Reply, error) {
	d.calls++
	if d.err != nil || d.reply.Code != 0 {
		return nil, d.reply, d.err
	}
	return d.sess, smtpclient.Reply{Code: 250, Text: "hello"}, nil
}
