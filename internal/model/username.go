// Package model はドメインモデルを定義する。
package model

import "time"

// UsernameRecord はユーザー名とidentityの紐付けを表す。
// usernameとowner_idはいずれもストレージ層のUNIQUE制約で一意性が保証される。
type UsernameRecord struct {
	ID        string
	Username  string // 正規化済み（先頭の@を除去し小文字化）
	OwnerID   string
	Name      string
	Email     string
	Phone     string
	CreatedAt time.Time
}

// Profile はユーザー名取得時に一緒に保存するプロフィール情報。
type Profile struct {
	Name  string
	Email string
	Phone string
}

// DocumentList はlistDocumentsの結果を表す。
type DocumentList struct {
	Total     int
	Documents []*UsernameRecord
}

// UniqueDocumentID はサーバー側でIDを採番させるためのドキュメントID指定。
const UniqueDocumentID = "unique"
