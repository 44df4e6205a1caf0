package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"
)

func TestPagingRow(t *testing.T) {
	menu := &telebot.ReplyMarkup{}

	// A single page carries no paging buttons at all.
	assert.Empty(t, pagingRow(menu, "ulist", "", 0, 1))

	// First page of several: forward only.
	row := pagingRow(menu, "ulist", "", 0, 3)
	require.Len(t, row, 1)
	assert.Equal(t, "1", row[0].Data)

	// Middle page: both directions, tag preserved.
	row = pagingRow(menu, "plist", "admin", 1, 3)
	require.Len(t, row, 2)
	assert.Equal(t, "admin|0", row[0].Data)
	assert.Equal(t, "admin|2", row[1].Data)

	// Last page: backward only.
	row = pagingRow(menu, "plist", "reseller", 2, 3)
	require.Len(t, row, 1)
	assert.Equal(t, "reseller|1", row[0].Data)
}

func TestPageData_RoundTrip(t *testing.T) {
	tag, page := splitPageData(joinPageData("reseller", 4))
	assert.Equal(t, "reseller", tag)
	assert.Equal(t, 4, page)

	tag, page = splitPageData(joinPageData("", 2))
	assert.Equal(t, "", tag)
	assert.Equal(t, 2, page)
}
