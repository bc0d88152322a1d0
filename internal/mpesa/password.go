package mpesa

import (
	"encoding/base64"
	"time"
	_ "time/tzdata"
)

const TimestampLayout = "20060102150405"

var nairobi = loadNairobi()

func loadNairobi() *time.Location {
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		return time.FixedZone("EAT", 3*60*60)
	}
	return loc
}

func Nairobi() *time.Location { return nairobi }

// Timestamp formats t as YYYYMMDDHHmmss in East Africa Time.
func Timestamp(t time.Time) string {
	return t.In(nairobi).Format(TimestampLayout)
}

func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
