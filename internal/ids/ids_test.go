package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAt_ProducesPrefixKindSlugShape(t *testing.T) {
	id := NewAt(time.Unix(0, 0), "ralph", "Fix The Thing")
	assert.Regexp(t, `^[0-9a-f]{6}-ralph-fix-the-thing$`, id)
}

func TestNewAt_FallsBackToRandomSlugForEmptyTitle(t *testing.T) {
	id := NewAt(time.Unix(0, 0), "plan", "!!!")
	assert.Regexp(t, `^[0-9a-f]{6}-plan-[0-9a-f]{8}$`, id)
}

func TestSlugify_LowercasesAndHyphenates(t *testing.T) {
	assert.Equal(t, "fix-the-thing", Slugify("Fix The Thing"))
	assert.Equal(t, "a-b-c", Slugify("  a_b__c  "))
	assert.Equal(t, "", Slugify("   "))
}

func TestSlugify_TruncatesLongTitles(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "a"
	}
	slug := Slugify(long)
	assert.LessOrEqual(t, len(slug), 40)
}

func TestKind_ExtractsMiddleSegment(t *testing.T) {
	assert.Equal(t, "ralph", Kind("abc123-ralph-fix-it"))
	assert.Equal(t, "", Kind("abc123"))
	assert.Equal(t, "", Kind(""))
}

func TestValid_RejectsEmptyAndOversizedIDs(t *testing.T) {
	assert.True(t, Valid("abc123-ralph-fix-it"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("   "))

	long := make([]byte, 257)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, Valid(string(long)))
}

func TestNew_IsTimeSortableAcrossDistinctMilliseconds(t *testing.T) {
	early := NewAt(time.UnixMilli(1000), "ralph", "same-title")
	later := NewAt(time.UnixMilli(2000), "ralph", "same-title")
	assert.Less(t, early[:6], later[:6])
}
