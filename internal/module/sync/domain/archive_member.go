package domain

// ExtractDirName は成果物ディレクトリ配下の展開先ディレクトリ名
const ExtractDirName = "Extracted"

// ArchiveMemberName はカテゴリと日付トークンから展開対象のメンバー名を導出します
func ArchiveMemberName(category, token string) string {
	switch category {
	case "FTP_Crash":
		return token + "_Crash.txt"
	case "FTP_Inspection":
		return token + "_Inspection.txt"
	case "FTP_Violation":
		return token + "_Violation.txt"
	case "SMS":
		return "SMS_AB_PassProperty_" + token + ".txt"
	default:
		return category + "_" + token + ".txt"
	}
}
