package data

import (
	"testing"
	"time"

	"Bulwark/internal/conf"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewData_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	c := &conf.Data{
		Redis: &conf.Redis{
			Addr:         mr.Addr(),
			ReadTimeout:  200 * time.Millisecond,
			WriteTimeout: 200 * time.Millisecond,
		},
	}

	logger := log.DefaultLogger

	rdb, redisCleanup, err := NewRedisClient(c, logger)
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer redisCleanup()

	data, cleanup, err := NewData(c, logger, rdb, nil)
	require.NoError(t, err)
	require.NotNil(t, data)
	defer cleanup()

	assert.Equal(t, rdb, data.GetRedisClient())
	assert.Nil(t, data.GetDB())
}

func TestNewData_WithoutStores(t *testing.T) {
	c := &conf.Data{}
	logger := log.DefaultLogger

	// graceful degradation
	data, cleanup, err := NewData(c, logger, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, data)
	defer cleanup()

	assert.Nil(t, data.GetRedisClient())
	assert.Nil(t, data.GetDB())
}

func TestData_NilReceiver(t *testing.T) {
	var d *Data
	assert.Nil(t, d.GetRedisClient())
	assert.Nil(t, d.GetDB())
}

func TestNewMySQLClient_Disabled(t *testing.T) {
	for name, c := range map[string]*conf.Data{
		"nil config":   nil,
		"nil database": {},
		"empty source": {Database: &conf.Database{Driver: "mysql"}},
	} {
		t.Run(name, func(t *testing.T) {
			db, cleanup, err := NewMySQLClient(c, log.DefaultLogger)
			require.NoError(t, err)
			assert.Nil(t, db)
			cleanup()
		})
	}
}

func TestNewMySQLClient_UnsupportedDriver(t *testing.T) {
	c := &conf.Data{Database: &conf.Database{Driver: "postgres", Source: "host=localhost"}}

	db, _, err := NewMySQLClient(c, log.DefaultLogger)
	assert.Error(t, err)
	assert.Nil(t, db)
}
