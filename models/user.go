package models

import "time"

// User represents one account in the user directory.
type User struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	ProfilePicture string `json:"profile_picture,omitempty"`
	IsOnline       bool   `json:"is_online"`
	LastSeen       *int64 `json:"last_seen,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Fields returns the persisted document representation of a user.
func (u User) Fields() map[string]any {
	fields := map[string]any{
		"username":   u.Username,
		"email":      u.Email,
		"is_online":  u.IsOnline,
		"created_at": u.CreatedAt,
	}
	if u.ProfilePicture != "" {
		fields["profile_picture"] = u.ProfilePicture
	}
	if u.LastSeen != nil {
		fields["last_seen"] = *u.LastSeen
	}
	return fields
}

// UserFromFields rebuilds a user from its persisted document fields.
func UserFromFields(id string, fields map[string]any) User {
	user := User{
		ID:             id,
		Username:       str(fields, "username"),
		Email:          str(fields, "email"),
		ProfilePicture: str(fields, "profile_picture"),
		IsOnline:       boolean(fields, "is_online"),
		CreatedAt:      integer(fields, "created_at"),
	}
	if _, ok := fields["last_seen"]; ok {
		v := integer(fields, "last_seen")
		user.LastSeen = &v
	}
	return user
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// convention used across all persisted documents.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func str(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func boolean(fields map[string]any, key string) bool {
	v, _ := fields[key].(bool)
	return v
}

// integer tolerates both int64 and float64 since JSON decoding yields float64.
func integer(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func strSlice(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func countMap(fields map[string]any, key string) map[string]int64 {
	switch v := fields[key].(type) {
	case map[string]int64:
		out := make(map[string]int64, len(v))
		for k, n := range v {
			out[k] = n
		}
		return out
	case map[string]any:
		out := make(map[string]int64, len(v))
		for k, raw := range v {
			switch n := raw.(type) {
			case int64:
				out[k] = n
			case int:
				out[k] = int64(n)
			case float64:
				out[k] = int64(n)
			}
		}
		return out
	default:
		return nil
	}
}
