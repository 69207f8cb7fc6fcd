package chatbot

import "testing"

func TestParsePrivmsgWithTags(t *testing.T) {
	line := `@badges=moderator/1,subscriber/12;user-id=999 :someuser!someuser@someuser.tmi.twitch.tv PRIVMSG #somechannel :hello world`
	msg, ok := parsePrivmsg(line)
	if !ok {
		t.Fatal("expected line to parse")
	}
	if msg.Channel != "somechannel" || msg.Login != "someuser" || msg.SenderID != "999" {
		t.Fatalf("unexpected parse: %+v", msg)
	}
	if msg.Text != "hello world" {
		t.Fatalf("unexpected text: %q", msg.Text)
	}
	hasMod := false
	for _, r := range msg.Roles {
		if r == RoleModerator {
			hasMod = true
		}
	}
	if !hasMod {
		t.Fatalf("expected moderator role, got %v", msg.Roles)
	}
}

func TestParseMembershipJoin(t *testing.T) {
	channel, login, ok := parseMembership(":someuser!someuser@someuser.tmi.twitch.tv JOIN #somechannel")
	if !ok || channel != "somechannel" || login != "someuser" {
		t.Fatalf("unexpected parse: channel=%q login=%q ok=%v", channel, login, ok)
	}
}

func TestRolesFromBadges(t *testing.T) {
	roles := rolesFromBadges("broadcaster/1,vip/1")
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %v", roles)
	}
}
