package protocol

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate.evalgo.org/common"
)

func TestBatchCapRejectsOversizedInput(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	m := NewManager(nil, nil, 0.000307, log)

	ids := make([]string, maxBatch+1)
	for i := range ids {
		ids[i] = "id"
	}

	_, err := m.Process(context.Background(), ids, "reviewer-1")
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.Kind(err))

	_, err = m.Delete(context.Background(), ids)
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.Kind(err))
}

func TestEmptyBatchIsNoop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	m := NewManager(nil, nil, 0.000307, log)

	n, err := m.Process(context.Background(), nil, "reviewer-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.Delete(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
