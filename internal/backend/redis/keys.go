package redis

const (
	// KeyPrefixBookmark is the prefix for bookmark record keys
	KeyPrefixBookmark = "marks:bookmark:"
	// KeyPrefixOwner is the prefix for per-owner indexes
	KeyPrefixOwner = "marks:owner:"
	// KeyPrefixChanges is the prefix for per-owner change channels
	KeyPrefixChanges = "marks:changes:"
)

// BookmarkKey returns the Redis key holding one bookmark as JSON
func BookmarkKey(id string) string {
	return KeyPrefixBookmark + id
}

// OwnerIndexKey returns the sorted set of an owner's bookmark IDs, scored by
// creation time in milliseconds
func OwnerIndexKey(owner string) string {
	return KeyPrefixOwner + owner + ":bookmarks"
}

// ChangesChannel returns the pub/sub channel carrying an owner's changes
func ChangesChannel(owner string) string {
	return KeyPrefixChanges + owner
}
