package models

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImageList_Value(t *testing.T) {
	tests := []struct {
		name string
		arg  ImageList
		want string
	}{
		{
			name: "empty",
			arg:  ImageList{},
			want: "{}",
		},
		{
			name: "single",
			arg:  ImageList{"https://cdn.example.com/a.jpg"},
			want: `{"https://cdn.example.com/a.jpg"}`,
		},
		{
			name: "multiple",
			arg:  ImageList{"a.jpg", "b.jpg"},
			want: `{"a.jpg","b.jpg"}`,
		},
		{
			name: "quotes_and_backslashes",
			arg:  ImageList{`a"b`, `c\d`},
			want: `{"a\"b","c\\d"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.arg.Value()
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestImageList_Scan(t *testing.T) {
	tests := []struct {
		name    string
		arg     interface{}
		want    ImageList
		wantErr bool
	}{
		{
			name: "nil",
			arg:  nil,
			want: nil,
		},
		{
			name: "empty",
			arg:  "{}",
			want: ImageList{},
		},
		{
			name: "unquoted",
			arg:  "{a.jpg,b.jpg}",
			want: ImageList{"a.jpg", "b.jpg"},
		},
		{
			name: "quoted",
			arg:  `{"a b.jpg","c,d.jpg"}`,
			want: ImageList{"a b.jpg", "c,d.jpg"},
		},
		{
			name: "escaped",
			arg:  `{"a\"b","c\\d"}`,
			want: ImageList{`a"b`, `c\d`},
		},
		{
			name: "bytes",
			arg:  []byte("{a.jpg}"),
			want: ImageList{"a.jpg"},
		},
		{
			name:    "malformed",
			arg:     "a.jpg",
			wantErr: true,
		},
		{
			name:    "unsupported_type",
			arg:     42,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l ImageList
			err := l.Scan(tt.arg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, l)
		})
	}
}

func TestImageList_RoundTrip(t *testing.T) {
	in := ImageList{`plain.jpg`, `with space.jpg`, `with,comma.jpg`, `with"quote.jpg`, `with\backslash.jpg`}

	v, err := in.Value()
	require.NoError(t, err)

	var out ImageList
	require.NoError(t, out.Scan(v))
	require.Equal(t, in, out)
}

func TestProject_TargetReached(t *testing.T) {
	p := &Project{TargetAmount: 750000000, CurrentAmount: 500000000}
	require.False(t, p.TargetReached())
	p.CurrentAmount = 750000000
	require.True(t, p.TargetReached())
}

func TestDonation_Anonymous(t *testing.T) {
	d := &Donation{}
	require.True(t, d.Anonymous())
	d.UserID = sql.NullString{String: "01H2XCEJXGN1X2W42S2VHQK1AQ", Valid: true}
	require.False(t, d.Anonymous())
}
