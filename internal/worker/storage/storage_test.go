package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStorage(sqlx.NewDb(db, "postgres"), logger), mock
}

func TestStorage_ClaimNextJob(t *testing.T) {
	t.Run("job available", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM get_next_job($1)")).
			WithArgs("worker-1").
			WillReturnRows(sqlmock.NewRows([]string{"job_id", "campaign_id", "channel_type", "rate", "credential_name"}).
				AddRow(int64(42), int64(7), "sms", 2, "tenant-a"))

		job, err := s.ClaimNextJob(context.Background(), "worker-1")
		require.NoError(t, err)
		require.NotNil(t, job)

		assert.Equal(t, int64(42), job.JobID)
		assert.Equal(t, int64(7), job.CampaignID)
		assert.Equal(t, domain.ChannelSMS, job.ChannelType)
		assert.Equal(t, 2, job.Rate)
		assert.Equal(t, "tenant-a", job.Credential())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no job available", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM get_next_job($1)")).
			WithArgs("worker-1").
			WillReturnRows(sqlmock.NewRows([]string{"job_id", "campaign_id", "channel_type", "rate", "credential_name"}))

		job, err := s.ClaimNextJob(context.Background(), "worker-1")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("null credential uses shared credentials", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM get_next_job($1)")).
			WithArgs("worker-1").
			WillReturnRows(sqlmock.NewRows([]string{"job_id", "campaign_id", "channel_type", "rate", "credential_name"}).
				AddRow(int64(1), int64(2), "EMAIL", 50, nil))

		job, err := s.ClaimNextJob(context.Background(), "worker-1")
		require.NoError(t, err)
		assert.Nil(t, job.CredentialName)
		assert.Equal(t, domain.ChannelEmail, job.ChannelType)
	})

	t.Run("database error", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM get_next_job($1)")).
			WillReturnError(errors.New("connection reset"))

		job, err := s.ClaimNextJob(context.Background(), "worker-1")
		require.Error(t, err)
		assert.Nil(t, job)
		assert.Contains(t, err.Error(), "failed to claim next job")
	})
}

func TestStorage_GetMessagesToSend(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM get_messages_to_send_sms($1, $2)")).
		WithArgs(int64(42), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient", "subject", "body", "params"}).
			AddRow(int64(1), int64(7), "+15550001", nil, "Hi {{name}}", []byte(`{"name":"Ann"}`)).
			AddRow(int64(2), int64(7), "+15550002", nil, "Hi {{name}}", nil))

	messages, err := s.GetMessagesToSend(context.Background(), domain.ChannelSMS, 42, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "Ann", messages[0].Params["name"])
	assert.Equal(t, "+15550002", messages[1].Recipient)
	assert.Empty(t, messages[1].Params)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_EnqueueMessages(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectExec(regexp.QuoteMeta("SELECT enqueue_messages_email($1)")).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.EnqueueMessages(context.Background(), domain.ChannelEmail, 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UnknownChannel(t *testing.T) {
	s, _ := newTestStorage(t)

	err := s.EnqueueMessages(context.Background(), domain.ChannelType("PIGEON"), 1)
	assert.ErrorIs(t, err, domain.ErrUnknownChannel)

	_, err = s.GetMessagesToSend(context.Background(), domain.ChannelType("PIGEON"), 1, 10)
	assert.ErrorIs(t, err, domain.ErrUnknownChannel)

	_, _, err = s.FinalizeNextJob(context.Background(), domain.ChannelType("PIGEON"))
	assert.ErrorIs(t, err, domain.ErrUnknownChannel)
}

func TestStorage_UpdateMessageStatus(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sms_messages")).
		WithArgs(domain.MessageStatusSending, "SM123", "", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateMessageStatus(context.Background(), domain.ChannelSMS, domain.Outcome{
		MessageID:         9,
		Status:            domain.MessageStatusSending,
		ProviderMessageID: "SM123",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_FinalizeNextJob(t *testing.T) {
	t.Run("campaign finalized", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT log_next_job_email()")).
			WillReturnRows(sqlmock.NewRows([]string{"log_next_job_email"}).AddRow(int64(7)))

		campaignID, ok, err := s.FinalizeNextJob(context.Background(), domain.ChannelEmail)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(7), campaignID)
	})

	t.Run("nothing to finalize", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT log_next_job_email()")).
			WillReturnRows(sqlmock.NewRows([]string{"log_next_job_email"}).AddRow(nil))

		_, ok, err := s.FinalizeNextJob(context.Background(), domain.ChannelEmail)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStorage_Workers(t *testing.T) {
	t.Run("list persisted workers", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM workers")).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("task-a").AddRow("task-b"))

		ids, err := s.ListPersistedWorkerIDs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"task-a", "task-b"}, ids)
	})

	t.Run("insert worker if absent", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workers (id) VALUES ($1) ON CONFLICT DO NOTHING")).
			WithArgs("task-c").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.InsertWorkerIfAbsent(context.Background(), "task-c"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reassign worker wins", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE workers SET id = $1 WHERE id = $2")).
			WithArgs("task-new", "task-dead").
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := s.ReassignWorker(context.Background(), "task-new", "task-dead")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("reassign worker loses race", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE workers SET id = $1 WHERE id = $2")).
			WithArgs("task-new", "task-dead").
			WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := s.ReassignWorker(context.Background(), "task-new", "task-dead")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("resume worker", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectExec(regexp.QuoteMeta("SELECT resume_worker($1)")).
			WithArgs("task-new").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.ResumeWorker(context.Background(), "task-new"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
