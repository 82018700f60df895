// Package types 定義了 pcconv 管線中流動的核心資料模型
package types

import "strings"

// FieldSeparator 原始行內欄位的分隔符號
const FieldSeparator = ","

// Record 代表來源檔案中的一行，附帶其 0-based 行號
// Reader 建立後即不可變
type Record struct {
	RowNumber uint64 `json:"row"`  // 行號（從 0 開始，嚴格遞增）
	Line      string `json:"line"` // 原始行內容（不含換行符）
}

// Fields 將行內容依逗號拆分，保留所有欄位（包含結尾的空欄位）
func (r Record) Fields() []string {
	return strings.Split(r.Line, FieldSeparator)
}

// WorkerIndex 回傳此 Record 在 n 個 worker 間的輪詢分派索引
func (r Record) WorkerIndex(n int) int {
	return int(r.RowNumber % uint64(n))
}
