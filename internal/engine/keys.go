package engine

import (
	"fmt"
	"strings"
	"time"
)

// Fixed widths keep lexical key order equal to numeric order.
const (
	timestampWidth = 19
	likeCountWidth = 10
)

func roomKey(roomId string) []byte {
	return []byte("room:" + roomId)
}

func roomCodeKey(code string) []byte {
	return []byte("roomcode:" + code)
}

func roomSeqKey(roomId string) []byte {
	return []byte("roomseq:" + roomId)
}

func commentPrefix(roomId string) []byte {
	return []byte("comment:" + roomId + ":")
}

func commentKey(roomId string, ts time.Time, commentId string) []byte {
	return fmt.Appendf(nil, "comment:%s:%0*d:%s", roomId, timestampWidth, ts.UnixNano(), commentId)
}

func rankPrefix(roomId string) []byte {
	return []byte("rank:" + roomId + ":")
}

func rankKey(roomId string, likeCount int, ts time.Time, commentId string) []byte {
	return fmt.Appendf(nil, "rank:%s:%0*d:%0*d:%s",
		roomId, likeCountWidth, likeCount, timestampWidth, ts.UnixNano(), commentId)
}

func commentRefKey(commentId string) []byte {
	return []byte("commentref:" + commentId)
}

func connKey(connectionId string) []byte {
	return []byte("conn:" + connectionId)
}

func roomConnPrefix(roomId string) []byte {
	return []byte("roomconn:" + roomId + ":")
}

func roomConnKey(roomId, connectionId string) []byte {
	return []byte("roomconn:" + roomId + ":" + connectionId)
}

// roomNameKey reserves a display name inside a room. Names are compared
// case-insensitively.
func roomNameKey(roomId, userName string) []byte {
	return []byte("roomname:" + roomId + ":" + strings.ToLower(userName))
}

func likePrefix(commentId string) []byte {
	return []byte("like:" + commentId + ":")
}

func likeKey(commentId, userId string) []byte {
	return []byte("like:" + commentId + ":" + userId)
}

func userLikePrefix(userId, roomId string) []byte {
	return []byte("userlike:" + userId + ":" + roomId + ":")
}

func userLikeKey(userId, roomId, commentId string) []byte {
	return []byte("userlike:" + userId + ":" + roomId + ":" + commentId)
}

func rateKey(roomId, userId string, action Action) []byte {
	return []byte("rate:" + roomId + ":" + userId + ":" + string(action))
}

// commentKeyFromRank maps a rank index key back to the primary comment key.
func commentKeyFromRank(roomId string, key []byte) ([]byte, bool) {
	suffix := strings.TrimPrefix(string(key), string(rankPrefix(roomId)))
	parts := strings.SplitN(suffix, ":", 3)
	if len(parts) != 3 || len(parts[0]) != likeCountWidth || len(parts[1]) != timestampWidth {
		return nil, false
	}
	return []byte("comment:" + roomId + ":" + parts[1] + ":" + parts[2]), true
}

// validId rejects identifiers that would break the key layout.
func validId(id string) bool {
	return id != "" && len(id) <= 128 && !strings.ContainsAny(id, ": \t\n")
}
