package fetch

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultRateLimited はリクエスト上限超過（429）。
	FetchResultRateLimited
	// FetchResultUnauthorized はAPIキーの不備（401/403）。
	FetchResultUnauthorized
	// FetchResultNotFound はエンドポイントまたは日付が存在しない（404/410）。
	FetchResultNotFound
	// FetchResultServerError はサーバー側の障害（5xx）。
	FetchResultServerError
	// FetchResultUnexpected はその他のステータスコード。
	FetchResultUnexpected
)

// String はログ・メトリクスのラベルに使う名前を返す。
func (r FetchResult) String() string {
	switch r {
	case FetchResultOK:
		return "ok"
	case FetchResultRateLimited:
		return "rate_limited"
	case FetchResultUnauthorized:
		return "unauthorized"
	case FetchResultNotFound:
		return "not_found"
	case FetchResultServerError:
		return "server_error"
	default:
		return "unexpected_status"
	}
}

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
// 200以外はすべて取得失敗として扱う。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 429:
		return FetchResultRateLimited
	case statusCode == 401 || statusCode == 403:
		return FetchResultUnauthorized
	case statusCode == 404 || statusCode == 410:
		return FetchResultNotFound
	case statusCode >= 500 && statusCode <= 599:
		return FetchResultServerError
	default:
		return FetchResultUnexpected
	}
}
