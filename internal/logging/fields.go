package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// EntryFields 提供 store/entry/source 字段，供缓存条目相关日志复用。source 为空时省略。
func EntryFields(action, store, entry, source string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"store":  store,
		"entry":  entry,
	}
	if source != "" {
		fields["source"] = source
	}
	return fields
}

// RequestFields 提供 HTTP 请求字段，供 server 访问日志复用。
func RequestFields(method, path, requestID string, status int) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"request_id": requestID,
		"status":     status,
	}
}
