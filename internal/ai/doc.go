// Package ai 汇总了系统中与大模型推理相关的组件说明。
//
// 检索智能体的推理分为 plan、analyze、format 三个阶段，接口定义见
// internal/llm 包中的 Request/Response 结构。推理后端有两种实现：
// internal/llm/pythonbridge 通过外部 Python 脚本逐阶段求值，脚本路径
// 由配置项 llm.python_bridge.script_path 指定，适合离线演示与确定性
// 测试；internal/llm/openai 调用 OpenAI 兼容的对话接口，把智能体上下
// 文转换为对话消息并解析模型返回的结构化输出，是生产配置的默认选择。
//
// 新增推理后端时实现 llm.Client 接口，并在 cmd/agentd 的工厂函数中
// 注册对应的 provider 取值即可。
package ai
