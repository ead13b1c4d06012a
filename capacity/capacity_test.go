package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	core "github.com/shardbay/go-node-core"
)

func announcement(id string, available int64) Announcement {
	return Announcement{
		Capacity: core.StoreUsage{Available: available, Allocated: available * 2},
		Contact: core.Contact{
			Identity: id,
			Info:     core.AddressInfo{Hostname: "127.0.0.1", Port: 4001},
		},
	}
}

func TestUpdateGet(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Close()

	a := announcement("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 1024)
	c.Update(a)

	e, ok := c.Get(a.Contact.Identity)
	require.True(t, ok)
	require.Equal(t, int64(1024), e.Capacity.Available)
	require.Equal(t, int64(1), c.Len())
}

func TestPickBySpace(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Close()

	c.Update(announcement("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 100))
	c.Update(announcement("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 5000))

	e, ok := c.Pick(1000)
	require.True(t, ok)
	require.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", e.Contact.Identity)

	_, ok = c.Pick(10000)
	require.False(t, ok)
}

func TestStaleEntriesAgeOut(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	defer c.Close()

	c.Update(announcement("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 100))
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.False(t, ok)
}

func TestAnnouncementRoundTrip(t *testing.T) {
	a := announcement("cccccccccccccccccccccccccccccccccccccccc", 42)
	b, err := a.Marshal()
	require.NoError(t, err)
	got, err := ParseAnnouncement(b)
	require.NoError(t, err)
	require.Equal(t, a.Contact.Identity, got.Contact.Identity)
	require.Equal(t, a.Capacity, got.Capacity)
}

func TestDropsAnonymousAnnouncement(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Close()
	c.Update(Announcement{})
	require.Equal(t, int64(0), c.Len())
}
