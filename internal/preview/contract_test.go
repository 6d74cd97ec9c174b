package preview

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSlotID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"preview-1", "preview-1", false},
		{"preview_2", "preview-2", false},
		{"preview3", "preview-3", false},
		{"Preview-1", "preview-1", false},
		{" 2 ", "preview-2", false},
		{"preview-0", "", true},
		{"0", "", true},
		{"prod-1", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeSlotID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDBName(t *testing.T) {
	name, err := DBName("preview-2")
	require.NoError(t, err)
	require.Equal(t, "app_preview_2", name)

	_, err = DBName("staging")
	require.Error(t, err)
}

func TestIsPreviewDB(t *testing.T) {
	require.True(t, IsPreviewDB("app_preview_1"))
	require.False(t, IsPreviewDB("app_preview_0"))
	require.False(t, IsPreviewDB("app_production"))
	require.False(t, IsPreviewDB("app_preview_"))
}

func TestSlotAPIBaseTemplate(t *testing.T) {
	s := &Service{}
	s.cfg.SlotAPIBaseTemplate = "http://localhost:90<n>"
	require.Equal(t, "http://localhost:902", s.slotAPIBase("preview-2"))

	s.cfg.SlotAPIBaseTemplate = "http://<slot_id>.preview.local/"
	require.Equal(t, "http://preview-1.preview.local", s.slotAPIBase("preview-1"))

	s.cfg.SlotAPIBaseTemplate = ""
	require.Equal(t, "", s.slotAPIBase("preview-1"))
}
