package cache

import (
	"fmt"
	"net/url"
	"strings"

	"otServer/backend/internal/session"
)

// 键语义：
// - logKey(key):   已接受的操作日志（List<op JSON>），按版本从旧到新
// - stateKey(key): 物化状态（Hash: content / version / epoch / lastTs / updatedAt）
//
// {} 包住 doc+field 作为 hash tag，两个 key 落在同一个 slot，Lua 脚本在集群下也能原子执行
// doc / field 先做 QueryEscape：转义后不含 ':' '{' '}'，不同 key 不会拼出同一个字符串，hash tag 也不会被截断

const (
	keyLogFmt   = "ot:log:{doc:%s:field:%s}"   // List<op JSON>
	keyStateFmt = "ot:state:{doc:%s:field:%s}" // Hash
	stateScan   = "ot:state:*"

	statePrefix = "ot:state:{doc:"
	fieldSep    = ":field:"
)

func logKey(k session.Key) string {
	return fmt.Sprintf(keyLogFmt, url.QueryEscape(k.DocumentID), url.QueryEscape(k.Field))
}

func stateKey(k session.Key) string {
	return fmt.Sprintf(keyStateFmt, url.QueryEscape(k.DocumentID), url.QueryEscape(k.Field))
}

// parseStateKey 从 stateKey 反解出 session.Key
func parseStateKey(s string) (session.Key, bool) {
	if !strings.HasPrefix(s, statePrefix) || !strings.HasSuffix(s, "}") {
		return session.Key{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, statePrefix), "}")
	doc, field, ok := strings.Cut(body, fieldSep)
	if !ok || doc == "" || field == "" || strings.Contains(field, ":") {
		return session.Key{}, false
	}
	docID, err := url.QueryUnescape(doc)
	if err != nil {
		return session.Key{}, false
	}
	fieldName, err := url.QueryUnescape(field)
	if err != nil {
		return session.Key{}, false
	}
	return session.Key{DocumentID: docID, Field: fieldName}, true
}
