package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDSN_String(t *testing.T) {
	tests := []struct {
		name string
		arg  DSN
		want string
	}{
		{
			name: "empty",
			arg:  DSN{},
			want: "",
		},
		{
			name: "full",
			arg: DSN{
				Host:           "127.0.0.1",
				Port:           5432,
				User:           "fundraising",
				Password:       "secret",
				DBName:         "fundraising_production",
				SSLMode:        "require",
				ConnectTimeout: 5 * time.Second,
			},
			want: "host=127.0.0.1 port=5432 user=fundraising password=secret dbname=fundraising_production sslmode=require connect_timeout=5",
		},
		{
			name: "with_zero_port",
			arg: DSN{
				Host:   "127.0.0.1",
				DBName: "fundraising_production",
			},
			want: "host=127.0.0.1 dbname=fundraising_production",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.arg.String())
		})
	}
}

func TestDSN_Address(t *testing.T) {
	dsn := &DSN{Host: "db.example.com", Port: 5432}
	require.Equal(t, "db.example.com:5432", dsn.Address())
}
