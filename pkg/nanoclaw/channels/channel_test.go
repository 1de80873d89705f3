package channels

import "testing"

func TestPrefixSplitRoundTrip(t *testing.T) {
	chatID := Prefix("whatsapp", "123456-7890@g.us")
	if chatID != "whatsapp:123456-7890@g.us" {
		t.Errorf("Prefix = %q", chatID)
	}

	name, native, err := SplitChatID(chatID)
	if err != nil {
		t.Fatalf("SplitChatID: %v", err)
	}
	if name != "whatsapp" || native != "123456-7890@g.us" {
		t.Errorf("split = %q / %q", name, native)
	}
}

func TestSplitChatIDMalformed(t *testing.T) {
	for _, bad := range []string{"", "noprefix", ":native", "name:"} {
		if _, _, err := SplitChatID(bad); err == nil {
			t.Errorf("SplitChatID(%q) should fail", bad)
		}
	}
}
