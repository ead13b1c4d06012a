package core

import (
	"encoding/hex"
	"time"
)

// Pub/sub topic prefixes. Renters publish shard descriptors on descriptor
// topics; farmers announce free capacity on capacity topics.
const (
	DescriptorTopicPrefix = "0f"
	CapacityTopicPrefix   = "0c"
)

const mib = int64(1) << 20

// sizeBuckets are the upper bounds, in bytes, of the descriptor size classes.
var sizeBuckets = []int64{
	8 * mib,
	16 * mib,
	32 * mib,
	64 * mib,
	128 * mib,
	256 * mib,
	512 * mib,
}

// durationBuckets are the upper bounds of the descriptor duration classes.
var durationBuckets = []time.Duration{
	30 * 24 * time.Hour,
	90 * 24 * time.Hour,
	180 * 24 * time.Hour,
	360 * 24 * time.Hour,
}

// TopicCode returns the 4-hex-digit code expressing the descriptor's class:
// one byte for the size bucket, one for the duration bucket.
func (c *Contract) TopicCode() string {
	var code [2]byte
	code[0] = bucketIndex(c.DataSize(), sizeBuckets)
	duration := time.Duration(c.StoreEnd()-c.StoreBegin()) * time.Millisecond
	code[1] = durationBucketIndex(duration)
	return hex.EncodeToString(code[:])
}

// DescriptorTopic returns the pub/sub subject a descriptor of this class is
// published on.
func (c *Contract) DescriptorTopic() string {
	return DescriptorTopicPrefix + c.TopicCode()
}

// CapacityTopic returns the pub/sub subject capacity announcements for this
// descriptor class are made on.
func (c *Contract) CapacityTopic() string {
	return CapacityTopicPrefix + c.TopicCode()
}

func bucketIndex(size int64, bounds []int64) byte {
	for i, bound := range bounds {
		if size <= bound {
			return byte(i)
		}
	}
	return byte(len(bounds))
}

func durationBucketIndex(d time.Duration) byte {
	for i, bound := range durationBuckets {
		if d <= bound {
			return byte(i)
		}
	}
	return byte(len(durationBuckets))
}
