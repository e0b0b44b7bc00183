package slack

// UserMap translates between source logins and Slack user IDs.
type UserMap struct {
	toSlack  map[string]string
	toSource map[string]string
}

func NewUserMap(loginToSlack map[string]string) *UserMap {
	m := &UserMap{
		toSlack:  make(map[string]string, len(loginToSlack)),
		toSource: make(map[string]string, len(loginToSlack)),
	}
	for login, id := range loginToSlack {
		m.toSlack[login] = id
		m.toSource[id] = login
	}
	return m
}

func (m *UserMap) SlackID(login string) (string, bool) {
	id, ok := m.toSlack[login]
	return id, ok
}

func (m *UserMap) Login(slackID string) (string, bool) {
	login, ok := m.toSource[slackID]
	return login, ok
}

// Missing returns the logins with no Slack mapping.
func (m *UserMap) Missing(logins []string) []string {
	var out []string
	for _, l := range logins {
		if _, ok := m.toSlack[l]; !ok {
			out = append(out, l)
		}
	}
	return out
}
