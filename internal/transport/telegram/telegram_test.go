package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"reminderbot/internal/notifier"
	logx "reminderbot/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want notifier.Kind
	}{
		{tele.ErrBlockedByUser, notifier.KindUnreachable},
		{tele.ErrChatNotFound, notifier.KindUnreachable},
		{errors.New("telegram: Forbidden: bot can't initiate conversation (403)"), notifier.KindUnreachable},
		{errors.New("telegram: Too Many Requests: retry after 5 (429)"), notifier.KindTransient},
		{errors.New("telegram: Bad Gateway (502)"), notifier.KindTransient},
		{context.DeadlineExceeded, notifier.KindTransient},
		{errors.New("telegram: something odd (400)"), notifier.KindUnknown},
	}
	for _, tc := range cases {
		err := classify("42", tc.err)
		assert.Equal(t, tc.want, notifier.Classify(err), tc.err.Error())
		assert.ErrorIs(t, err, tc.err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
}
