package cache

func StatusKey(deviceID string) string   { return "device:" + deviceID + ":status" }
func ProgressKey(deviceID string) string { return "device:" + deviceID + ":progress" }
func ErrorKey(deviceID string) string    { return "device:" + deviceID + ":error" }
